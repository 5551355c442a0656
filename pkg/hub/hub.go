// Package hub is the server side of the sync transport: a room per
// workspace over which document update blobs and presence updates are
// broadcast to every connected peer, with updates handed to the persistence
// buffer on arrival.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/raimohanska/newboard/pkg/presence"
	"github.com/raimohanska/newboard/pkg/wire"
)

// Persistence is what the hub needs from the persistence service: buffer
// raw client updates, and replay the durable log when a room is first
// opened.
type Persistence interface {
	OnClientUpdate(workspaceID string, update []byte)
	Load(ctx context.Context, workspaceID string) (*automerge.Doc, error)
}

// Bridge relays frames to other server instances serving the same
// workspaces.
type Bridge interface {
	Publish(ctx context.Context, workspaceID string, frame []byte) error
}

// Hub owns all rooms of one server instance.
type Hub struct {
	persist  Persistence
	upgrader websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]*room
	bridge Bridge
}

func New(p Persistence) *Hub {
	return &Hub{
		persist: p,
		rooms:   map[string]*room{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetBridge attaches a cross-instance relay. Call before serving.
func (h *Hub) SetBridge(b Bridge) {
	h.bridge = b
}

type room struct {
	id string

	mu        sync.Mutex
	doc       *automerge.Doc
	conns     map[*conn]struct{}
	awareness map[string][]byte // last full record per client, for newcomer replay
	clocks    map[string]uint64
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	clients map[string]struct{} // awareness client ids announced on this connection
}

// room returns the live room for the workspace, replaying the durable log
// on first access.
func (h *Hub) room(ctx context.Context, workspaceID string) (*room, error) {
	h.mu.Lock()
	if r, ok := h.rooms[workspaceID]; ok {
		h.mu.Unlock()
		return r, nil
	}
	h.mu.Unlock()

	doc, err := h.persist.Load(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace %q: %w", workspaceID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[workspaceID]; ok {
		return r, nil
	}
	r := &room{
		id:        workspaceID,
		doc:       doc,
		conns:     map[*conn]struct{}{},
		awareness: map[string][]byte{},
		clocks:    map[string]uint64{},
	}
	h.rooms[workspaceID] = r
	return r, nil
}

// Latest returns the workspace's full current state as one blob.
func (h *Hub) Latest(ctx context.Context, workspaceID string) ([]byte, error) {
	r, err := h.room(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save(), nil
}

// ServeLatest is the GET handler for a full state download.
func (h *Hub) ServeLatest(writer http.ResponseWriter, request *http.Request) {
	state, err := h.Latest(request.Context(), mux.Vars(request)["workspace"])
	if err != nil {
		slog.Error("failed to produce latest state", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(state); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

// ServeSync upgrades the request to a websocket and joins it to the
// workspace room.
func (h *Hub) ServeSync(writer http.ResponseWriter, request *http.Request) {
	workspaceID := mux.Vars(request)["workspace"]
	r, err := h.room(request.Context(), workspaceID)
	if err != nil {
		slog.Error("failed to open room", "workspace", workspaceID, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	c := &conn{ws: ws, send: make(chan []byte, 256), clients: map[string]struct{}{}}
	go c.writePump()

	r.join(c)
	slog.Info("client joined", "workspace", workspaceID)

	defer func() {
		// the request context is gone by now, the leave frames still have
		// to reach the bridge
		for _, frame := range r.leave(c) {
			h.bridgePublish(context.Background(), r.id, frame)
		}
		close(c.send)
		_ = ws.Close()
		slog.Info("client left", "workspace", workspaceID)
	}()

	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			slog.Warn("dropping malformed frame", "workspace", workspaceID, "err", err)
			continue
		}
		switch frame.Type {
		case wire.FrameUpdate:
			if err := r.applyUpdate(c, frame.Payload); err != nil {
				slog.Warn("dropping unreadable update", "workspace", workspaceID, "err", err)
				continue
			}
			h.persist.OnClientUpdate(workspaceID, frame.Payload)
		case wire.FrameAwareness:
			if err := r.applyAwareness(c, frame.Payload); err != nil {
				slog.Warn("dropping unreadable awareness update", "workspace", workspaceID, "err", err)
				continue
			}
		}
		h.publish(request.Context(), r, c, raw)
	}
}

// HandleBridgeFrame applies a frame relayed from another server instance.
// The origin instance already persisted it, so it only has to reach the
// local room doc and the local connections.
func (h *Hub) HandleBridgeFrame(workspaceID string, raw []byte) {
	h.mu.Lock()
	r, ok := h.rooms[workspaceID]
	h.mu.Unlock()
	if !ok {
		return
	}
	frame, err := wire.Decode(raw)
	if err != nil {
		slog.Warn("dropping malformed bridged frame", "workspace", workspaceID, "err", err)
		return
	}
	switch frame.Type {
	case wire.FrameUpdate:
		if err := r.applyUpdate(nil, frame.Payload); err != nil {
			slog.Warn("dropping unreadable bridged update", "workspace", workspaceID, "err", err)
			return
		}
	case wire.FrameAwareness:
		if err := r.applyAwareness(nil, frame.Payload); err != nil {
			slog.Warn("dropping unreadable bridged awareness update", "workspace", workspaceID, "err", err)
			return
		}
	}
	r.broadcast(nil, raw)
}

// publish forwards a frame to the other room members and across the bridge.
func (h *Hub) publish(ctx context.Context, r *room, from *conn, raw []byte) {
	r.broadcast(from, raw)
	h.bridgePublish(ctx, r.id, raw)
}

func (h *Hub) bridgePublish(ctx context.Context, workspaceID string, raw []byte) {
	if h.bridge == nil {
		return
	}
	if err := h.bridge.Publish(ctx, workspaceID, raw); err != nil {
		slog.Error("failed to publish to bridge", "workspace", workspaceID, "err", err)
	}
}

func (r *room) join(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	// the newcomer merges the full state, then replays known presence
	c.send <- wire.Encode(wire.FrameUpdate, r.doc.Save())
	for _, record := range r.awareness {
		c.send <- wire.Encode(wire.FrameAwareness, record)
	}
}

// leave removes the connection and synthesizes leave updates for every
// awareness client announced on it, returning the frames to broadcast.
func (r *room) leave(c *conn) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	frames := make([][]byte, 0, len(c.clients))
	for clientID := range c.clients {
		if _, ok := r.awareness[clientID]; !ok {
			continue
		}
		delete(r.awareness, clientID)
		r.clocks[clientID]++
		raw, err := presence.EncodeUpdate(presence.Update{ClientID: clientID, Clock: r.clocks[clientID]})
		if err != nil {
			continue
		}
		frame := wire.Encode(wire.FrameAwareness, raw)
		for member := range r.conns {
			member.enqueue(frame)
		}
		frames = append(frames, frame)
	}
	return frames
}

func (r *room) applyUpdate(from *conn, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.LoadIncremental(update)
}

func (r *room) applyAwareness(from *conn, payload []byte) error {
	u, err := presence.DecodeUpdate(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.clocks[u.ClientID]; ok && u.Clock <= last {
		return nil
	}
	r.clocks[u.ClientID] = u.Clock
	if u.State == nil {
		delete(r.awareness, u.ClientID)
	} else {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		r.awareness[u.ClientID] = cp
	}
	if from != nil {
		from.clients[u.ClientID] = struct{}{}
	}
	return nil
}

// broadcast sends the frame to every member except the origin connection.
func (r *room) broadcast(from *conn, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for member := range r.conns {
		if member == from {
			continue
		}
		member.enqueue(raw)
	}
}

func (c *conn) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	default:
		// slow consumer, it will be dropped by its own read loop erroring
		_ = c.ws.Close()
	}
}

func (c *conn) writePump() {
	defer func() {
		_ = c.ws.Close()
	}()
	for raw := range c.send {
		if err := c.ws.WriteMessage(websocket.BinaryMessage, raw); err != nil {
			return
		}
	}
}
