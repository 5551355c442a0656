// Package workspace ties one workspace's document, history and presence
// together and keeps an explicit registry from workspace id to that triple,
// created on first access. There is no process-wide default workspace.
package workspace

import (
	"sync"

	"github.com/google/uuid"

	"github.com/raimohanska/newboard/pkg/board"
	"github.com/raimohanska/newboard/pkg/presence"
)

// Workspace is the per-workspace triple plus this client's identity on the
// presence channel.
type Workspace struct {
	ID       string
	ClientID string
	Store    *board.Store
	History  *board.History
	Presence *presence.Awareness
}

func newWorkspace(id string, user presence.User) *Workspace {
	store := board.NewStore()
	clientID := uuid.NewString()
	return &Workspace{
		ID:       id,
		ClientID: clientID,
		Store:    store,
		History:  board.NewHistory(store, board.DefaultHistoryLimit),
		Presence: presence.New(clientID, user),
	}
}

// Registry maps workspace ids to their triples.
type Registry struct {
	mu         sync.Mutex
	user       presence.User
	workspaces map[string]*Workspace
}

// NewRegistry creates a registry whose workspaces identify as the given
// user on the presence channel.
func NewRegistry(user presence.User) *Registry {
	if user == (presence.User{}) {
		user = presence.RandomUser()
	}
	return &Registry{user: user, workspaces: map[string]*Workspace{}}
}

// Get returns the workspace triple, creating it on first access.
func (r *Registry) Get(id string) *Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[id]
	if !ok {
		ws = newWorkspace(id, r.user)
		r.workspaces[id] = ws
	}
	return ws
}

// NewWorkspaceID mints an id for a fresh workspace.
func NewWorkspaceID() string {
	return uuid.NewString()
}
