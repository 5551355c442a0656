package workspace

import "github.com/raimohanska/newboard/pkg/presence"

// Drag is one drag gesture over the current selection. While the gesture is
// live the accumulated delta exists only on the presence channel, so peers
// can preview it; the item document is touched exactly once, on End. A
// disconnect mid-gesture therefore leaves the document unaffected.
type Drag struct {
	ws     *Workspace
	ids    []string
	dx, dy float64
	done   bool
}

// BeginDrag starts a gesture moving the local selection.
func (w *Workspace) BeginDrag() *Drag {
	return &Drag{ws: w, ids: w.Presence.SelectedItemIDs()}
}

// Move accumulates another pointer delta and broadcasts the pending offset.
func (d *Drag) Move(dx, dy float64) {
	if d.done {
		return
	}
	d.dx += dx
	d.dy += dy
	d.ws.Presence.SetDragOffset(&presence.Offset{X: d.dx, Y: d.dy})
}

// End commits the accumulated delta as a single position transaction and
// clears the preview. One drag gesture costs one durable mutation no matter
// how many pointer events it saw.
func (d *Drag) End() error {
	if d.done {
		return nil
	}
	d.done = true
	d.ws.Presence.SetDragOffset(nil)
	if d.dx == 0 && d.dy == 0 {
		return nil
	}
	return d.ws.Store.UpdatePositions(d.ids, d.dx, d.dy)
}

// Cancel abandons the gesture without committing anything.
func (d *Drag) Cancel() {
	if d.done {
		return
	}
	d.done = true
	d.ws.Presence.SetDragOffset(nil)
}

// SelectWithin applies a finished selection-box rectangle to the local
// selection: every item whose position falls inside it becomes selected.
func (w *Workspace) SelectWithin(box presence.SelectionBox) {
	minX, maxX := box.StartX, box.EndX
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	minY, maxY := box.StartY, box.EndY
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	var ids []string
	for _, id := range w.Store.ItemIDs() {
		it, ok := w.Store.Get(id)
		if !ok {
			continue
		}
		if it.Position.X >= minX && it.Position.X <= maxX && it.Position.Y >= minY && it.Position.Y <= maxY {
			ids = append(ids, id)
		}
	}
	w.Presence.SelectMultiple(ids)
}
