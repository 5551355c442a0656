// Package presence implements the ephemeral awareness channel of a
// workspace: one record per connected client, broadcast wholesale on every
// write, last write wins per client, never persisted.
package presence

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/brunoga/deep"
)

// User identifies a client to its peers, chosen once per connection.
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Cursor is a pointer position in canvas coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Offset is a cumulative drag delta not yet committed to the document.
type Offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SelectionBox is an in-progress rectangular selection gesture.
type SelectionBox struct {
	Active bool    `json:"isActive"`
	StartX float64 `json:"startX"`
	StartY float64 `json:"startY"`
	EndX   float64 `json:"endX"`
	EndY   float64 `json:"endY"`
}

// State is one client's presence record.
type State struct {
	User            User         `json:"user"`
	Cursor          *Cursor      `json:"cursor,omitempty"`
	SelectedItemIDs []string     `json:"selectedItemIds,omitempty"`
	EditingID       string       `json:"editingId,omitempty"`
	DragOffset      *Offset      `json:"dragOffset,omitempty"`
	SelectionBox    SelectionBox `json:"selectionBox"`
}

// Update is the gossip unit: the owner's whole record plus a per-client
// clock. A nil State announces that the client left.
type Update struct {
	ClientID string `json:"clientId"`
	Clock    uint64 `json:"clock"`
	State    *State `json:"state"`
}

// EncodeUpdate and DecodeUpdate are the wire form carried in awareness
// frames.
func EncodeUpdate(u Update) ([]byte, error) {
	return json.Marshal(u)
}

func DecodeUpdate(raw []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return Update{}, fmt.Errorf("failed to decode awareness update: %w", err)
	}
	if u.ClientID == "" {
		return Update{}, fmt.Errorf("awareness update has no client id")
	}
	return u, nil
}

// Awareness holds the presence records of all clients in one workspace.
// Only the local client's record is ever written here; remote records are
// replaced wholesale by Apply and removed on leave.
type Awareness struct {
	mu        sync.Mutex
	clientID  string
	clock     uint64
	local     State
	remote    map[string]State
	clocks    map[string]uint64
	broadcast func(Update)

	nextSub   int
	listeners map[int]func()
}

// New creates the local record with the given identity. clientID is the
// transport-assigned identifier of this connection.
func New(clientID string, u User) *Awareness {
	return &Awareness{
		clientID:  clientID,
		local:     State{User: u},
		remote:    map[string]State{},
		clocks:    map[string]uint64{},
		listeners: map[int]func(){},
	}
}

// ClientID returns the local client identifier.
func (a *Awareness) ClientID() string {
	return a.clientID
}

// OnBroadcast registers the hook that carries full-record updates to the
// transport.
func (a *Awareness) OnBroadcast(fn func(Update)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.broadcast = fn
}

// OnChange registers a listener fired whenever any record appears, changes
// or disappears. It returns the unsubscribe function.
func (a *Awareness) OnChange(listener func()) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.nextSub
	a.nextSub++
	a.listeners[n] = listener
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, n)
	}
}

// LocalState returns a copy of the local record.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return deep.MustCopy(a.local)
}

// States returns copies of all known records, local included, keyed by
// client id. Remote records are stale-tolerant reads with no consistency
// guarantee.
func (a *Awareness) States() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]State, len(a.remote)+1)
	for id, st := range a.remote {
		out[id] = deep.MustCopy(st)
	}
	out[a.clientID] = deep.MustCopy(a.local)
	return out
}

// setLocal mutates one field of the local record and broadcasts the whole
// record.
func (a *Awareness) setLocal(mutate func(*State)) {
	a.mu.Lock()
	mutate(&a.local)
	a.clock++
	u := Update{ClientID: a.clientID, Clock: a.clock, State: ptr(deep.MustCopy(a.local))}
	broadcast := a.broadcast
	notify := a.notifyLocked()
	a.mu.Unlock()
	if broadcast != nil {
		broadcast(u)
	}
	notify()
}

func (a *Awareness) SetUser(u User)                  { a.setLocal(func(s *State) { s.User = u }) }
func (a *Awareness) SetCursor(c *Cursor)             { a.setLocal(func(s *State) { s.Cursor = c }) }
func (a *Awareness) SetEditingID(id string)          { a.setLocal(func(s *State) { s.EditingID = id }) }
func (a *Awareness) SetDragOffset(o *Offset)         { a.setLocal(func(s *State) { s.DragOffset = o }) }
func (a *Awareness) SetSelectionBox(b SelectionBox)  { a.setLocal(func(s *State) { s.SelectionBox = b }) }
func (a *Awareness) SetSelectedItemIDs(ids []string) { a.setLocal(func(s *State) { s.SelectedItemIDs = ids }) }

// Apply merges a remote update: last write observed wins per client, and a
// clock at or below the last seen one is a duplicate or stale delivery and
// is dropped. Updates about the local client are ignored, only the owner
// writes its record.
func (a *Awareness) Apply(u Update) {
	a.mu.Lock()
	if u.ClientID == a.clientID {
		a.mu.Unlock()
		return
	}
	if last, seen := a.clocks[u.ClientID]; seen && u.Clock <= last {
		a.mu.Unlock()
		return
	}
	a.clocks[u.ClientID] = u.Clock
	if u.State == nil {
		delete(a.remote, u.ClientID)
	} else {
		a.remote[u.ClientID] = *u.State
	}
	notify := a.notifyLocked()
	a.mu.Unlock()
	notify()
}

// Leave broadcasts the removal of the local record. Peers drop it from
// their views; nothing durable is affected.
func (a *Awareness) Leave() {
	a.mu.Lock()
	a.clock++
	u := Update{ClientID: a.clientID, Clock: a.clock, State: nil}
	broadcast := a.broadcast
	a.mu.Unlock()
	if broadcast != nil {
		broadcast(u)
	}
}

func (a *Awareness) notifyLocked() func() {
	fire := make([]func(), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fire = append(fire, fn)
	}
	return func() {
		for _, fn := range fire {
			fn()
		}
	}
}

func ptr[T any](v T) *T { return &v }

var palette = []string{"#e06055", "#f5a623", "#7ed321", "#4a90e2", "#9013fe", "#50e3c2"}

var names = []string{"Aalto", "Bruin", "Cygnet", "Dora", "Elk", "Fenn", "Grebe", "Heron"}

// RandomUser picks a display identity for a fresh connection.
func RandomUser() User {
	return User{
		Name:  fmt.Sprintf("%s-%d", names[rand.Intn(len(names))], rand.Intn(100)),
		Color: palette[rand.Intn(len(palette))],
	}
}
