package board

import "sync"

// DefaultHistoryLimit bounds the per-client undo log.
const DefaultHistoryLimit = 100

// group is one undo step: the ops a transaction applied and the ops that
// reverse them, captured at execution time.
type group struct {
	label   string
	forward []op
	inverse []op
}

// History is the per-client undo/redo log over the item document. It
// observes only local transactions; remote updates and presence changes are
// never undoable. Undo and redo run as ordinary transactions, so on the wire
// they are indistinguishable from fresh edits.
type History struct {
	mu    sync.Mutex
	store *Store
	limit int
	undo  []group
	redo  []group
}

// NewHistory attaches a bounded history to the store.
func NewHistory(s *Store, limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	h := &History{store: s, limit: limit}
	s.mu.Lock()
	s.history = h
	s.mu.Unlock()
	return h
}

// push records a freshly committed local transaction. Committing after an
// undo discards the redo stack.
func (h *History) push(g group) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undo = append(h.undo, g)
	if len(h.undo) > h.limit {
		h.undo = h.undo[len(h.undo)-h.limit:]
	}
	h.redo = h.redo[:0]
}

// Undo reverse-applies the most recent group not yet undone and moves it to
// the redo stack. With an empty stack it is a no-op.
func (h *History) Undo() error {
	h.mu.Lock()
	if len(h.undo) == 0 {
		h.mu.Unlock()
		return nil
	}
	g := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.mu.Unlock()

	ops := make([]op, 0, len(g.inverse))
	for i := len(g.inverse) - 1; i >= 0; i-- {
		ops = append(ops, g.inverse[i])
	}
	if err := h.store.transact("undo "+g.label, ops, false); err != nil {
		return err
	}
	h.mu.Lock()
	h.redo = append(h.redo, g)
	h.mu.Unlock()
	return nil
}

// Redo re-applies the most recently undone group.
func (h *History) Redo() error {
	h.mu.Lock()
	if len(h.redo) == 0 {
		h.mu.Unlock()
		return nil
	}
	g := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.mu.Unlock()

	if err := h.store.transact("redo "+g.label, g.forward, false); err != nil {
		return err
	}
	h.mu.Lock()
	h.undo = append(h.undo, g)
	h.mu.Unlock()
	return nil
}

func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo) > 0
}

func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.redo) > 0
}
