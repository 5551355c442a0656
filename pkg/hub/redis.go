package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "newboard:"

// RedisBridge relays frames between server instances through a pub/sub
// channel per workspace, so clients of one workspace can land on any
// instance.
type RedisBridge struct {
	client     *redis.Client
	instanceID string
}

type bridgeMessage struct {
	Instance string `json:"instance"`
	Frame    []byte `json:"frame"`
}

// NewRedisBridge connects and verifies the redis server.
func NewRedisBridge(ctx context.Context, addr string) (*RedisBridge, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %q: %w", addr, err)
	}
	return &RedisBridge{client: client, instanceID: uuid.NewString()}, nil
}

// Publish sends a frame to all other instances serving the workspace.
func (b *RedisBridge) Publish(ctx context.Context, workspaceID string, frame []byte) error {
	payload, err := json.Marshal(bridgeMessage{Instance: b.instanceID, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to encode bridge message: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+workspaceID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish bridge message: %w", err)
	}
	return nil
}

// Run consumes bridged frames until the context is cancelled, handing each
// to the handler. Frames published by this instance are skipped.
func (b *RedisBridge) Run(ctx context.Context, handler func(workspaceID string, frame []byte)) {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer func() {
		if err := pubsub.Close(); err != nil {
			slog.Error("failed to close pubsub", "err", err)
		}
	}()
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var bm bridgeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				slog.Warn("dropping malformed bridge message", "err", err)
				continue
			}
			if bm.Instance == b.instanceID {
				continue
			}
			handler(strings.TrimPrefix(msg.Channel, channelPrefix), bm.Frame)
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBridge) Close() error {
	return b.client.Close()
}
