package board

import "testing"

func TestUndoBulkCreateIsAtomic(t *testing.T) {
	s := NewStore()
	h := NewHistory(s, 0)

	items := []Item{note("a", 0, 0, ""), note("b", 1, 1, ""), note("c", 2, 2, ""), note("d", 3, 3, "")}
	if err := s.BulkCreate(items); err != nil {
		t.Fatal(err)
	}
	if !h.CanUndo() {
		t.Fatal("expected undo to be available")
	}
	if err := h.Undo(); err != nil {
		t.Fatal(err)
	}
	if got := s.ItemIDs(); len(got) != 0 {
		t.Fatalf("undo of a bulk create must remove all items, %v remain", got)
	}
	if !h.CanRedo() {
		t.Fatal("expected redo to be available")
	}
	if err := h.Redo(); err != nil {
		t.Fatal(err)
	}
	if got := s.ItemIDs(); len(got) != 4 {
		t.Fatalf("redo must restore all items, got %v", got)
	}
}

func TestUndoDeleteRestoresContent(t *testing.T) {
	s := NewStore()
	h := NewHistory(s, 0)

	if err := s.Create(note("a", 5, 6, "remember me")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete([]string{"a"}); err != nil {
		t.Fatal(err)
	}
	if err := h.Undo(); err != nil {
		t.Fatal(err)
	}
	it, ok := s.Get("a")
	if !ok {
		t.Fatal("expected item back after undoing a delete")
	}
	if it.Content != "remember me" || it.Position.X != 5 || it.Position.Y != 6 {
		t.Errorf("restored item lost state: %+v", it)
	}
}

func TestUndoMoveAndSplice(t *testing.T) {
	s := NewStore()
	h := NewHistory(s, 0)

	if err := s.Create(note("a", 0, 0, "abc")); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdatePositions([]string{"a"}, 10, 20); err != nil {
		t.Fatal(err)
	}
	if err := s.SpliceText("a", 3, 0, "def"); err != nil {
		t.Fatal(err)
	}

	if err := h.Undo(); err != nil {
		t.Fatal(err)
	}
	it, _ := s.Get("a")
	if it.Content != "abc" {
		t.Errorf("splice undo left content %q", it.Content)
	}
	if err := h.Undo(); err != nil {
		t.Fatal(err)
	}
	it, _ = s.Get("a")
	if it.Position.X != 0 || it.Position.Y != 0 {
		t.Errorf("move undo left position %+v", it.Position)
	}
}

func TestNewTransactionInvalidatesRedo(t *testing.T) {
	s := NewStore()
	h := NewHistory(s, 0)

	if err := s.Create(note("a", 0, 0, "")); err != nil {
		t.Fatal(err)
	}
	if err := h.Undo(); err != nil {
		t.Fatal(err)
	}
	if !h.CanRedo() {
		t.Fatal("expected redo after undo")
	}
	if err := s.Create(note("b", 0, 0, "")); err != nil {
		t.Fatal(err)
	}
	if h.CanRedo() {
		t.Error("a committed transaction after an undo must clear the redo stack")
	}
}

func TestUndoProducesNormalUpdateBlob(t *testing.T) {
	s := NewStore()
	h := NewHistory(s, 0)
	peer := NewStore()

	var blobs int
	s.OnUpdate(func(update []byte) {
		blobs++
		if err := peer.ApplyUpdate(update); err != nil {
			t.Fatalf("peer failed to apply: %v", err)
		}
	})

	if err := s.Create(note("a", 0, 0, "")); err != nil {
		t.Fatal(err)
	}
	if err := h.Undo(); err != nil {
		t.Fatal(err)
	}
	if blobs != 2 {
		t.Fatalf("expected create + undo to emit 2 blobs, got %d", blobs)
	}
	if got := peer.ItemIDs(); len(got) != 0 {
		t.Errorf("peer should have converged on the undone state, has %v", got)
	}
}

func TestHistoryRemoteUpdatesAreNotUndoable(t *testing.T) {
	local := NewStore()
	h := NewHistory(local, 0)
	remote := NewStore()
	remote.OnUpdate(func(update []byte) {
		if err := local.ApplyUpdate(update); err != nil {
			t.Fatal(err)
		}
	})

	if err := remote.Create(note("theirs", 0, 0, "")); err != nil {
		t.Fatal(err)
	}
	if h.CanUndo() {
		t.Error("remote updates must not enter the local undo log")
	}
	if _, ok := local.Get("theirs"); !ok {
		t.Fatal("remote item should have merged")
	}
}

func TestHistoryBound(t *testing.T) {
	s := NewStore()
	h := NewHistory(s, 3)
	for i := 0; i < 5; i++ {
		if err := s.UpdatePositions(nil, 0, 0); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := h.Undo(); err != nil {
			t.Fatal(err)
		}
	}
	// only the newest three groups were retained
	h.mu.Lock()
	redos := len(h.redo)
	h.mu.Unlock()
	if redos != 3 {
		t.Errorf("expected the undo log to be bounded at 3 groups, got %d", redos)
	}
}
