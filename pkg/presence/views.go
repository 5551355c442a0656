package presence

// Derived views over the raw awareness states. Each is recomputed from
// scratch on call; callers typically invoke them from an OnChange listener.

// ClientCursor is another client's live cursor.
type ClientCursor struct {
	ClientID string
	Cursor   Cursor
	User     User
}

// OthersCursors returns the cursors of all remote clients that have one.
func (a *Awareness) OthersCursors() []ClientCursor {
	states := a.States()
	out := make([]ClientCursor, 0, len(states))
	for id, st := range states {
		if id == a.clientID || st.Cursor == nil {
			continue
		}
		out = append(out, ClientCursor{ClientID: id, Cursor: *st.Cursor, User: st.User})
	}
	return out
}

// SelectedByOther reports whether any remote client has the item selected,
// and if so that client's color for rendering.
func (a *Awareness) SelectedByOther(itemID string) (string, bool) {
	for id, st := range a.States() {
		if id == a.clientID {
			continue
		}
		for _, sel := range st.SelectedItemIDs {
			if sel == itemID {
				return st.User.Color, true
			}
		}
	}
	return "", false
}

// EditedByOther reports whether any remote client is text-editing the item.
func (a *Awareness) EditedByOther(itemID string) bool {
	for id, st := range a.States() {
		if id == a.clientID {
			continue
		}
		if st.EditingID == itemID {
			return true
		}
	}
	return false
}

// OthersDragOffset returns the pending drag delta of whichever remote
// client is dragging the item, or nil.
func (a *Awareness) OthersDragOffset(itemID string) *Offset {
	for id, st := range a.States() {
		if id == a.clientID || st.DragOffset == nil {
			continue
		}
		for _, sel := range st.SelectedItemIDs {
			if sel == itemID {
				o := *st.DragOffset
				return &o
			}
		}
	}
	return nil
}

// ClientBox is one active rectangular selection, local or remote.
type ClientBox struct {
	ClientID string
	Local    bool
	Color    string
	Box      SelectionBox
}

// SelectionBoxes returns every active selection box, tagged with whether it
// is the local one.
func (a *Awareness) SelectionBoxes() []ClientBox {
	states := a.States()
	out := make([]ClientBox, 0, len(states))
	for id, st := range states {
		if !st.SelectionBox.Active {
			continue
		}
		out = append(out, ClientBox{
			ClientID: id,
			Local:    id == a.clientID,
			Color:    st.User.Color,
			Box:      st.SelectionBox,
		})
	}
	return out
}
