// Package client runs the agent side of the sync transport: it seeds the
// local document from the offline cache, keeps a websocket session to the
// workspace room, pipes local update blobs and presence broadcasts out and
// remote frames in, and reconnects with exponential backoff. Local state
// stays authoritative across transport failures; on every (re)connect the
// full local state is sent and merged server-side, so nothing is lost to a
// dropped session.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/raimohanska/newboard/pkg/cache"
	"github.com/raimohanska/newboard/pkg/presence"
	"github.com/raimohanska/newboard/pkg/wire"
	"github.com/raimohanska/newboard/pkg/workspace"
)

// Client owns the transport session of one workspace.
type Client struct {
	base     *url.URL
	ws       *workspace.Workspace
	cache    *cache.Cache
	outgoing chan []byte
}

// New prepares a client for the workspace against the given server base URL
// (http or ws scheme). The cache may be nil to run without offline state.
func New(serverURL string, ws *workspace.Workspace, c *cache.Cache) (*Client, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	switch base.Scheme {
	case "http", "ws":
		base.Scheme = "ws"
	case "https", "wss":
		base.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", base.Scheme)
	}
	return &Client{base: base, ws: ws, cache: c, outgoing: make(chan []byte, 1024)}, nil
}

// Run connects and syncs until the context is cancelled. It wires the
// document and presence broadcast hooks, so call it before mutating the
// workspace if updates made while offline should reach the cache.
func (c *Client) Run(ctx context.Context) error {
	c.loadCache()

	c.ws.Store.OnUpdate(func(update []byte) {
		c.enqueue(wire.Encode(wire.FrameUpdate, update))
		c.saveCache()
	})
	c.ws.Presence.OnBroadcast(func(u presence.Update) {
		raw, err := presence.EncodeUpdate(u)
		if err != nil {
			slog.Error("failed to encode presence update", "err", err)
			return
		}
		c.enqueue(wire.Encode(wire.FrameAwareness, raw))
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		if err := c.session(ctx); err != nil {
			slog.Warn("sync session ended", "workspace", c.ws.ID, "err", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		slog.Info("reconnecting", "workspace", c.ws.ID, "after", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	u := c.base.JoinPath("workspaces", c.ws.ID, "sync")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	slog.Info("connected", "workspace", c.ws.ID, "url", u.String())

	// everything local, then our presence record; duplicates merge away
	if err := conn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.FrameUpdate, c.ws.Store.Save())); err != nil {
		return fmt.Errorf("failed to send state: %w", err)
	}
	c.announcePresence()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := new(sync.WaitGroup)

	var readErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		readErr = c.readPump(conn)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		for {
			select {
			case raw := <-c.outgoing:
				if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
					slog.Warn("failed to write frame", "err", err)
					return
				}
			case <-sessionCtx.Done():
				if ctx.Err() != nil {
					// final shutdown, tell peers we are gone
					c.ws.Presence.Leave()
					for {
						select {
						case raw := <-c.outgoing:
							_ = conn.WriteMessage(websocket.BinaryMessage, raw)
							continue
						default:
						}
						break
					}
					_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				}
				return
			}
		}
	}()

	wg.Wait()
	return readErr
}

func (c *Client) readPump(conn *websocket.Conn) error {
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			slog.Warn("dropping malformed frame", "err", err)
			continue
		}
		switch frame.Type {
		case wire.FrameUpdate:
			if err := c.ws.Store.ApplyUpdate(frame.Payload); err != nil {
				slog.Warn("dropping unreadable update", "err", err)
				continue
			}
			c.saveCache()
		case wire.FrameAwareness:
			u, err := presence.DecodeUpdate(frame.Payload)
			if err != nil {
				slog.Warn("dropping unreadable awareness update", "err", err)
				continue
			}
			c.ws.Presence.Apply(u)
		}
	}
}

// announcePresence pushes the current local record so peers see this client
// immediately after (re)connecting.
func (c *Client) announcePresence() {
	c.ws.Presence.SetUser(c.ws.Presence.LocalState().User)
}

func (c *Client) enqueue(raw []byte) {
	select {
	case c.outgoing <- raw:
	default:
		// the queue is bounded; a full resync on the next connect recovers
		// anything shed here
		slog.Warn("outgoing queue full, dropping frame")
	}
}

func (c *Client) loadCache() {
	if c.cache == nil {
		return
	}
	blob, err := c.cache.Load(c.ws.ID)
	if err != nil {
		slog.Warn("failed to read offline cache", "workspace", c.ws.ID, "err", err)
		return
	}
	if blob == nil {
		return
	}
	// the cache holds a full save, so it must parse on its own
	if _, err := automerge.Load(blob); err != nil {
		slog.Warn("discarding corrupt offline cache entry", "workspace", c.ws.ID, "err", err)
		_ = c.cache.Delete(c.ws.ID)
		return
	}
	if err := c.ws.Store.ApplyUpdate(blob); err != nil {
		slog.Warn("discarding corrupt offline cache entry", "workspace", c.ws.ID, "err", err)
		_ = c.cache.Delete(c.ws.ID)
		return
	}
	slog.Info("loaded offline cache", "workspace", c.ws.ID, "bytes", len(blob))
}

func (c *Client) saveCache() {
	if c.cache == nil {
		return
	}
	if err := c.cache.Save(c.ws.ID, c.ws.Store.Save()); err != nil {
		slog.Warn("failed to write offline cache", "workspace", c.ws.ID, "err", err)
	}
}
