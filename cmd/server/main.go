package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/grandcat/zeroconf"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/raimohanska/newboard/pkg/hub"
	"github.com/raimohanska/newboard/pkg/persist"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	driverVar := flag.String("db-driver", "sqlite3", "database driver (sqlite3 or pgx)")
	dsnVar := flag.String("db-dsn", "newboard.sqlite3", "database dsn")
	flushVar := flag.Duration("flush-interval", time.Second*5, "how often pending updates are merged and persisted")
	redisVar := flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "optional redis address for cross-instance relay")
	mdnsVar := flag.Bool("mdns", false, "advertise the server on the local network")
	flag.Parse()

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && *driverVar == "sqlite3" && *dsnVar == "newboard.sqlite3" {
		*driverVar = "pgx"
		*dsnVar = dsn
	}

	slog.Info("Opening database", "driver", *driverVar)
	db, err := sql.Open(*driverVar, *dsnVar)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	dialect := persist.DialectSQLite
	if *driverVar == "pgx" {
		dialect = persist.DialectPostgres
	}
	service := persist.New(db, dialect)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Init(ctx); err != nil {
		return fmt.Errorf("failed to init persistence: %w", err)
	}

	h := hub.New(service)
	wg := new(sync.WaitGroup)

	if *redisVar != "" {
		bridge, err := hub.NewRedisBridge(ctx, *redisVar)
		if err != nil {
			return fmt.Errorf("failed to connect bridge: %w", err)
		}
		defer bridge.Close()
		h.SetBridge(bridge)
		wg.Add(1)
		go func() {
			defer wg.Done()
			bridge.Run(ctx, h.HandleBridgeFrame)
		}()
		slog.Info("bridge connected", "addr", *redisVar)
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/workspaces/{workspace}/latest").HandlerFunc(h.ServeLatest)
	r.Methods(http.MethodGet).Path("/workspaces/{workspace}/sync").HandlerFunc(h.ServeSync)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(*flushVar)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := service.FlushAll(ctx); err != nil {
					slog.Error("flush cycle failed, pending updates retained", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if *mdnsVar {
		host, _ := os.Hostname()
		port := 8080
		if i := strings.LastIndex(*addrVar, ":"); i >= 0 {
			if p, err := strconv.Atoi((*addrVar)[i+1:]); err == nil {
				port = p
			}
		}
		mdns, err := zeroconf.Register(fmt.Sprintf("newboard-%s", host), "_newboard._tcp", "local.", port, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to register mdns service: %w", err)
		}
		defer mdns.Shutdown()
		slog.Info("advertised on mdns", "service", "_newboard._tcp", "port", port)
	}

	httpServer := &http.Server{Addr: *addrVar, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()
	wg.Wait()

	// one last flush so nothing buffered is lost across the restart
	flushCtx, flushCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer flushCancel()
	if err := service.FlushAll(flushCtx); err != nil {
		slog.Error("final flush failed", "err", err)
	}
	return nil
}
