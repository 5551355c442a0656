package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/raimohanska/newboard/pkg/board"
	"github.com/raimohanska/newboard/pkg/cache"
	"github.com/raimohanska/newboard/pkg/client"
	"github.com/raimohanska/newboard/pkg/presence"
	"github.com/raimohanska/newboard/pkg/workspace"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	serverVar := flag.String("server", "http://127.0.0.1:8080", "the server base url")
	workspaceVar := flag.String("workspace", "default", "the workspace id to join")
	nameVar := flag.String("name", "", "display name on the presence channel")
	cacheVar := flag.String("cache", "newboard-cache.db", "offline cache file, empty to disable")
	discoverVar := flag.Bool("discover", false, "find a server on the local network instead of -server")
	simulateVar := flag.Bool("simulate", false, "exercise the workspace with random edits")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *discoverVar {
		addr, err := discoverServer(ctx)
		if err != nil {
			return err
		}
		*serverVar = addr
		slog.Info("discovered server", "url", addr)
	}

	user := presence.RandomUser()
	if *nameVar != "" {
		user.Name = *nameVar
	}
	registry := workspace.NewRegistry(user)
	ws := registry.Get(*workspaceVar)

	var store *cache.Cache
	if *cacheVar != "" {
		c, err := cache.Open(*cacheVar)
		if err != nil {
			return err
		}
		defer c.Close()
		store = c
	}

	cl, err := client.New(*serverVar, ws, store)
	if err != nil {
		return err
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := cl.Run(ctx); err != nil {
			slog.Error("sync loop failed", "err", err)
		}
	}()

	if *simulateVar {
		wg.Add(1)
		go func() {
			defer wg.Done()
			simulate(ctx, ws)
		}()
	}

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	wg.Wait()

	tf := filepath.Join(os.TempDir(), ws.ClientID+".newboard")
	if err := os.WriteFile(tf, ws.Store.Save(), 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf, "items", len(ws.Store.ItemIDs()))
	return nil
}

func discoverServer(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()
	if err := resolver.Browse(browseCtx, "_newboard._tcp", "local.", entries); err != nil {
		return "", fmt.Errorf("failed to browse mdns: %w", err)
	}
	for entry := range entries {
		if len(entry.AddrIPv4) > 0 {
			return fmt.Sprintf("http://%s:%d", entry.AddrIPv4[0], entry.Port), nil
		}
	}
	return "", fmt.Errorf("no server found on the local network")
}

// simulate drives a plausible editing session: it keeps one note of its
// own, drags it around in small gestures and occasionally types into it.
func simulate(ctx context.Context, ws *workspace.Workspace) {
	noteID := board.NewItemID()
	if err := ws.Store.Create(board.Item{
		ID:       noteID,
		Type:     board.TypeNote,
		Position: board.Position{X: float64(rand.Intn(800)), Y: float64(rand.Intn(600))},
		Content:  "hello from " + ws.ClientID[:8],
	}); err != nil {
		slog.Error("failed to create note", "err", err)
		return
	}
	ws.Presence.SelectItem(noteID)

	t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
	defer t.Stop()
	for {
		select {
		case <-t.C:
			t.Reset(time.Second + time.Second*time.Duration(rand.Intn(5)))
			switch rand.Intn(3) {
			case 0:
				drag := ws.BeginDrag()
				for i := 0; i < 10; i++ {
					drag.Move(float64(rand.Intn(21)-10), float64(rand.Intn(21)-10))
				}
				if err := drag.End(); err != nil {
					slog.Error("failed to finish drag", "err", err)
				}
			case 1:
				ws.Presence.SetEditingID(noteID)
				it, ok := ws.Store.Get(noteID)
				if !ok {
					continue
				}
				if err := ws.Store.SpliceText(noteID, len([]rune(it.Content)), 0, " !"); err != nil {
					slog.Error("failed to edit note", "err", err)
				}
				ws.Presence.SetEditingID("")
			default:
				ws.Presence.SetCursor(&presence.Cursor{X: float64(rand.Intn(800)), Y: float64(rand.Intn(600))})
			}
			slog.Info("simulated", "items", len(ws.Store.ItemIDs()), "heads", ws.Store.Doc().Heads())
		case <-ctx.Done():
			slog.Info("stopping simulation")
			return
		}
	}
}
