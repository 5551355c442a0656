package workspace

import (
	"testing"

	"github.com/raimohanska/newboard/pkg/board"
	"github.com/raimohanska/newboard/pkg/presence"
)

func testWorkspace(t *testing.T) *Workspace {
	t.Helper()
	return NewRegistry(presence.User{Name: "t", Color: "#000"}).Get("ws")
}

func TestDragCommitsExactlyOnce(t *testing.T) {
	ws := testWorkspace(t)
	items := []board.Item{
		{ID: "a", Type: board.TypeNote, Position: board.Position{X: 0, Y: 0}},
		{ID: "b", Type: board.TypeNote, Position: board.Position{X: 10, Y: 0}},
		{ID: "c", Type: board.TypeNote, Position: board.Position{X: 20, Y: 0}},
	}
	if err := ws.Store.BulkCreate(items); err != nil {
		t.Fatal(err)
	}
	ws.Presence.SelectMultiple([]string{"a", "b", "c"})

	var docBlobs int
	ws.Store.OnUpdate(func([]byte) { docBlobs++ })

	drag := ws.BeginDrag()
	for i := 0; i < 100; i++ {
		drag.Move(1, 0)
	}
	if docBlobs != 0 {
		t.Fatalf("the document must stay untouched while the gesture is live, saw %d blobs", docBlobs)
	}
	if off := ws.Presence.LocalState().DragOffset; off == nil || off.X != 100 {
		t.Fatalf("expected the accumulated delta on the presence channel, got %+v", off)
	}
	if err := drag.End(); err != nil {
		t.Fatal(err)
	}

	if docBlobs != 1 {
		t.Errorf("a 100-move drag must cost exactly one document update, got %d", docBlobs)
	}
	for i, want := range items {
		it, _ := ws.Store.Get(want.ID)
		if it.Position.X != want.Position.X+100 || it.Position.Y != want.Position.Y {
			t.Errorf("item %s not moved: %+v", items[i].ID, it.Position)
		}
	}
	if ws.Presence.LocalState().DragOffset != nil {
		t.Error("the preview offset must be cleared on commit")
	}

	// End is idempotent
	if err := drag.End(); err != nil {
		t.Fatal(err)
	}
	if docBlobs != 1 {
		t.Errorf("a finished gesture must not commit again, got %d", docBlobs)
	}
}

func TestDragCancelLeavesDocumentUnchanged(t *testing.T) {
	ws := testWorkspace(t)
	if err := ws.Store.Create(board.Item{ID: "a", Type: board.TypeNote}); err != nil {
		t.Fatal(err)
	}
	ws.Presence.SelectItem("a")

	var docBlobs int
	ws.Store.OnUpdate(func([]byte) { docBlobs++ })

	drag := ws.BeginDrag()
	drag.Move(50, 50)
	drag.Cancel()

	if docBlobs != 0 {
		t.Error("a cancelled gesture must not touch the document")
	}
	it, _ := ws.Store.Get("a")
	if it.Position.X != 0 || it.Position.Y != 0 {
		t.Errorf("position changed: %+v", it.Position)
	}
	if ws.Presence.LocalState().DragOffset != nil {
		t.Error("the preview offset must be cleared on cancel")
	}
}

func TestRegistryCreatesOnFirstAccess(t *testing.T) {
	r := NewRegistry(presence.User{Name: "x"})
	one := r.Get("ws-1")
	if one == nil || one.Store == nil || one.History == nil || one.Presence == nil {
		t.Fatalf("incomplete workspace triple: %+v", one)
	}
	if r.Get("ws-1") != one {
		t.Error("same id must return the same triple")
	}
	if r.Get("ws-2") == one {
		t.Error("distinct ids must not share a triple")
	}
	if one.ClientID == r.Get("ws-2").ClientID {
		t.Error("each workspace connection gets its own client id")
	}
}

func TestSelectWithin(t *testing.T) {
	ws := testWorkspace(t)
	if err := ws.Store.BulkCreate([]board.Item{
		{ID: "in", Type: board.TypeNote, Position: board.Position{X: 5, Y: 5}},
		{ID: "out", Type: board.TypeNote, Position: board.Position{X: 50, Y: 50}},
	}); err != nil {
		t.Fatal(err)
	}
	ws.Presence.StartSelectionBox(10, 10)
	ws.Presence.MoveSelectionBox(0, 0)
	ws.SelectWithin(ws.Presence.EndSelectionBox())

	got := ws.Presence.SelectedItemIDs()
	if len(got) != 1 || got[0] != "in" {
		t.Errorf("unexpected selection %v", got)
	}
}
