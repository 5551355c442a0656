package board

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/automerge/automerge-go"
)

// ErrItemExists is returned by Create when the id is already present. Item
// ids are never reused, so a duplicate create is a caller bug rather than a
// mergeable conflict.
var ErrItemExists = fmt.Errorf("item id already exists")

// Store is the replicated item document of one workspace: a map from item id
// to item record built on an automerge document. All mutating calls run as a
// single transaction producing exactly one update blob for the transport and
// one undo group for the attached history.
//
// Local mutation and local read are synchronous; only the transport hook
// crosses an asynchronous boundary.
type Store struct {
	mu       sync.Mutex
	doc      *automerge.Doc
	items    *automerge.Map
	history  *History
	onUpdate func(update []byte)

	snapshot map[string]itemSnap
	heldBack [][]byte

	nextSub  int
	docSubs  map[int]func()
	itemSubs map[string]map[int]func()
	textSubs map[string]map[int]func()
}

type itemSnap struct {
	readable bool
	x, y     float64
	textHash uint64
}

// NewStore returns an empty store. State arrives either through the mutating
// calls or through ApplyUpdate (remote blobs merge, they never overwrite).
func NewStore() *Store {
	doc := automerge.New()
	s := &Store{
		doc:      doc,
		items:    doc.RootMap(),
		snapshot: map[string]itemSnap{},
		docSubs:  map[int]func(){},
		itemSubs: map[string]map[int]func(){},
		textSubs: map[string]map[int]func(){},
	}
	// establish the incremental-save baseline
	_ = doc.SaveIncremental()
	return s
}

// OnUpdate registers the hook that receives the one update blob emitted by
// each transaction. The transport layer hands these to all peers.
func (s *Store) OnUpdate(fn func(update []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Doc exposes the underlying automerge document for inspection and debug
// rendering. Mutate only through the store.
func (s *Store) Doc() *automerge.Doc {
	return s.doc
}

// Create inserts one new item as a single transaction.
func (s *Store) Create(it Item) error {
	s.mu.Lock()
	if v, err := s.items.Get(it.ID); err == nil && v.Kind() != automerge.KindVoid {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrItemExists, it.ID)
	}
	s.mu.Unlock()
	return s.transact("create", []op{opPut{item: it}}, true)
}

// BulkCreate inserts many items as one atomic transaction: one update blob,
// one undo group.
func (s *Store) BulkCreate(items []Item) error {
	s.mu.Lock()
	for _, it := range items {
		if v, err := s.items.Get(it.ID); err == nil && v.Kind() != automerge.KindVoid {
			s.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrItemExists, it.ID)
		}
	}
	s.mu.Unlock()
	ops := make([]op, 0, len(items))
	for _, it := range items {
		ops = append(ops, opPut{item: it})
	}
	return s.transact("bulk-create", ops, true)
}

// UpdatePositions adds a delta to the position of every listed id. Ids that
// are not present are silently skipped.
func (s *Store) UpdatePositions(ids []string, deltaX, deltaY float64) error {
	return s.transact("move", []op{opMove{ids: ids, dx: deltaX, dy: deltaY}}, true)
}

// Delete removes the listed items atomically. Deleting an absent id is a
// no-op, never an error.
func (s *Store) Delete(ids []string) error {
	ops := make([]op, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, opRemove{id: id})
	}
	return s.transact("delete", ops, true)
}

// SpliceText edits the item's content sequence: deletes del characters at
// pos, then inserts text there. Out-of-range positions are clamped and a
// missing id is a no-op.
func (s *Store) SpliceText(id string, pos, del int, text string) error {
	return s.transact("edit", []op{opSplice{id: id, pos: pos, del: del, text: text}}, true)
}

// Get returns the current merged item, or false when the id is absent or the
// stored record is unreadable.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (Item, bool) {
	v, err := s.items.Get(id)
	if err != nil || v.Kind() == automerge.KindVoid {
		return Item{}, false
	}
	it, err := readItem(v)
	if err != nil {
		slog.Warn("skipping unreadable item record", "id", id, "err", err)
		return Item{}, false
	}
	return it, true
}

// ItemIDs returns the ids of all readable items. The order carries no
// meaning.
func (s *Store) ItemIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.items.Keys()
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := s.getLocked(k); ok {
			ids = append(ids, k)
		}
	}
	return ids
}

// maxHeldBack bounds the number of update blobs waiting for their
// dependencies. Anything shed here is recovered by the next full-state
// exchange.
const maxHeldBack = 256

// every update blob starts with the document chunk header; anything else can
// never become applicable
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

// ApplyUpdate merges a remote update blob into the document. Delivery is
// at-least-once and unordered: duplicates merge away, and a blob arriving
// before the changes it depends on is held back and retried once they land.
// Only a blob that is not an update at all is an error.
func (s *Store) ApplyUpdate(update []byte) error {
	if len(update) <= len(chunkMagic) || !bytes.Equal(update[:len(chunkMagic)], chunkMagic) {
		return fmt.Errorf("failed to apply update: not an update blob")
	}
	s.mu.Lock()
	if err := s.doc.LoadIncremental(update); err != nil {
		cp := make([]byte, len(update))
		copy(cp, update)
		s.heldBack = append(s.heldBack, cp)
		if len(s.heldBack) > maxHeldBack {
			s.heldBack = s.heldBack[1:]
			slog.Warn("dropping oldest held-back update", "held", len(s.heldBack))
		}
		s.mu.Unlock()
		return nil
	}
	s.retryHeldBackLocked()
	// remote changes are already known to peers, keep them out of the next
	// local transaction's blob
	_ = s.doc.SaveIncremental()
	notify := s.refreshLocked()
	s.mu.Unlock()
	notify()
	return nil
}

// retryHeldBackLocked re-applies held-back blobs until no more become
// applicable. A fresh apply can unblock several of them transitively.
func (s *Store) retryHeldBackLocked() {
	for len(s.heldBack) > 0 {
		var still [][]byte
		for _, u := range s.heldBack {
			if err := s.doc.LoadIncremental(u); err != nil {
				still = append(still, u)
			}
		}
		if len(still) == len(s.heldBack) {
			s.heldBack = still
			return
		}
		s.heldBack = still
	}
}

// HeldBackUpdates reports how many received blobs are still waiting for
// their dependencies.
func (s *Store) HeldBackUpdates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heldBack)
}

// Save encodes the full current state as one blob suitable for ApplyUpdate
// on any peer, and for the offline cache.
func (s *Store) Save() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Save()
}

// Subscribe registers a listener fired after any mutation that adds or
// removes an item id. It returns the unsubscribe function.
func (s *Store) Subscribe(listener func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nextSub
	s.nextSub++
	s.docSubs[n] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.docSubs, n)
	}
}

// SubscribeToItem registers a listener fired when the item's structural
// fields change or the item is removed. Edits to the item's content sequence
// do not fire it; use SubscribeToText for those.
func (s *Store) SubscribeToItem(id string, listener func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nextSub
	s.nextSub++
	if s.itemSubs[id] == nil {
		s.itemSubs[id] = map[int]func(){}
	}
	s.itemSubs[id][n] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.itemSubs[id], n)
	}
}

// SubscribeToText registers a listener fired when the item's content
// sequence changes.
func (s *Store) SubscribeToText(id string, listener func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nextSub
	s.nextSub++
	if s.textSubs[id] == nil {
		s.textSubs[id] = map[int]func(){}
	}
	s.textSubs[id][n] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.textSubs[id], n)
	}
}

// transact applies the ops, commits them as one change, emits the update
// blob and, when record is set, pushes one undo group.
func (s *Store) transact(msg string, ops []op, record bool) error {
	s.mu.Lock()
	inverses := make([]op, 0, len(ops))
	var opErr error
	for _, o := range ops {
		inv, err := o.apply(s)
		if err != nil && opErr == nil {
			opErr = err
		}
		if inv != nil {
			inverses = append(inverses, inv)
		}
	}
	if _, err := s.doc.Commit(msg, automerge.CommitOptions{AllowEmpty: true}); err != nil && opErr == nil {
		opErr = fmt.Errorf("failed to commit %s: %w", msg, err)
	}
	update := s.doc.SaveIncremental()
	notify := s.refreshLocked()
	onUpdate := s.onUpdate
	history := s.history
	s.mu.Unlock()

	if record && history != nil {
		history.push(group{label: msg, forward: ops, inverse: inverses})
	}
	if onUpdate != nil && len(update) > 0 {
		onUpdate(update)
	}
	notify()
	return opErr
}

// refreshLocked rebuilds the structural snapshot and returns a closure that
// fires the listeners affected by the difference. The closure must be called
// after the store lock is released.
func (s *Store) refreshLocked() func() {
	next := map[string]itemSnap{}
	if keys, err := s.items.Keys(); err == nil {
		for _, k := range keys {
			next[k] = s.snapLocked(k)
		}
	}
	prev := s.snapshot
	s.snapshot = next

	var fire []func()
	keysChanged := false
	for k := range next {
		if _, ok := prev[k]; !ok {
			keysChanged = true
		}
	}
	for k, old := range prev {
		cur, ok := next[k]
		if !ok {
			keysChanged = true
			for _, fn := range s.itemSubs[k] {
				fire = append(fire, fn)
			}
			continue
		}
		if cur.readable != old.readable || cur.x != old.x || cur.y != old.y {
			for _, fn := range s.itemSubs[k] {
				fire = append(fire, fn)
			}
		}
		if cur.textHash != old.textHash {
			for _, fn := range s.textSubs[k] {
				fire = append(fire, fn)
			}
		}
	}
	for k := range next {
		if _, ok := prev[k]; !ok {
			for _, fn := range s.itemSubs[k] {
				fire = append(fire, fn)
			}
			if next[k].textHash != 0 {
				for _, fn := range s.textSubs[k] {
					fire = append(fire, fn)
				}
			}
		}
	}
	if keysChanged {
		for _, fn := range s.docSubs {
			fire = append(fire, fn)
		}
	}
	return func() {
		for _, fn := range fire {
			fn()
		}
	}
}

func (s *Store) snapLocked(id string) itemSnap {
	it, ok := s.getLocked(id)
	if !ok {
		return itemSnap{}
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(it.Content))
	return itemSnap{readable: true, x: it.Position.X, y: it.Position.Y, textHash: h.Sum64()}
}
