package presence

// Selection helpers. These are wrappers over the selection field of the
// local record; each clears the editing marker whenever the resulting
// selection is not exactly one item.

// SelectItem makes itemID the only selected item.
func (a *Awareness) SelectItem(itemID string) {
	a.setLocal(func(s *State) {
		s.SelectedItemIDs = []string{itemID}
	})
}

// ToggleSelection adds or removes itemID from the current selection.
func (a *Awareness) ToggleSelection(itemID string) {
	a.setLocal(func(s *State) {
		next := make([]string, 0, len(s.SelectedItemIDs)+1)
		found := false
		for _, id := range s.SelectedItemIDs {
			if id == itemID {
				found = true
				continue
			}
			next = append(next, id)
		}
		if !found {
			next = append(next, itemID)
		}
		s.SelectedItemIDs = next
		if len(next) != 1 {
			s.EditingID = ""
		}
	})
}

// ClearSelection deselects everything and stops editing.
func (a *Awareness) ClearSelection() {
	a.setLocal(func(s *State) {
		s.SelectedItemIDs = nil
		s.EditingID = ""
	})
}

// SelectMultiple replaces the selection with the given ids.
func (a *Awareness) SelectMultiple(itemIDs []string) {
	a.setLocal(func(s *State) {
		s.SelectedItemIDs = itemIDs
		if len(itemIDs) != 1 {
			s.EditingID = ""
		}
	})
}

// SelectedItemIDs returns a copy of the local selection.
func (a *Awareness) SelectedItemIDs() []string {
	return a.LocalState().SelectedItemIDs
}

// StartSelectionBox begins a rectangular selection gesture at a point.
func (a *Awareness) StartSelectionBox(x, y float64) {
	a.SetSelectionBox(SelectionBox{Active: true, StartX: x, StartY: y, EndX: x, EndY: y})
}

// MoveSelectionBox extends the gesture to a new corner point.
func (a *Awareness) MoveSelectionBox(x, y float64) {
	a.setLocal(func(s *State) {
		if !s.SelectionBox.Active {
			return
		}
		s.SelectionBox.EndX = x
		s.SelectionBox.EndY = y
	})
}

// EndSelectionBox finishes the gesture and returns its final rectangle.
func (a *Awareness) EndSelectionBox() SelectionBox {
	var final SelectionBox
	a.setLocal(func(s *State) {
		final = s.SelectionBox
		s.SelectionBox.Active = false
	})
	return final
}
