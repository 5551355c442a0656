package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/raimohanska/newboard/pkg/board"
	"github.com/raimohanska/newboard/pkg/persist"
	"github.com/raimohanska/newboard/pkg/viz"
)

// Inspect a workspace: either a dumped doc file (positional argument) or a
// workspace replayed from the durable log (-workspace with -db-dsn). Prints
// the items and the change log, emits the change DAG as graphviz dot on
// stdout, and optionally renders it to SVG.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	driverVar := flag.String("db-driver", "sqlite3", "database driver (sqlite3 or pgx)")
	dsnVar := flag.String("db-dsn", "newboard.sqlite3", "database dsn")
	workspaceVar := flag.String("workspace", "", "replay this workspace from the database instead of reading a file")
	svgVar := flag.Bool("svg", false, "also render the change graph to a temporary svg")
	flag.Parse()

	var doc *automerge.Doc
	switch {
	case *workspaceVar != "":
		db, err := sql.Open(*driverVar, *dsnVar)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		dialect := persist.DialectSQLite
		if *driverVar == "pgx" {
			dialect = persist.DialectPostgres
		}
		doc, err = persist.New(db, dialect).Load(context.Background(), *workspaceVar)
		if err != nil {
			return err
		}
	case flag.NArg() == 1:
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}
		defer f.Close()
		buff, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
		doc, err = automerge.Load(buff)
		if err != nil {
			return fmt.Errorf("failed to load doc: %w", err)
		}
	default:
		return fmt.Errorf("expected either one positional argument (a doc file) or -workspace")
	}

	slog.Info("loaded heads", "heads", doc.Heads())

	keys, err := doc.RootMap().Keys()
	if err != nil {
		return fmt.Errorf("failed to list items: %w", err)
	}
	for _, id := range keys {
		v, err := doc.RootMap().Get(id)
		if err != nil {
			continue
		}
		it, err := board.ReadItem(v)
		if err != nil {
			slog.Warn("unreadable item record", "id", id, "err", err)
			continue
		}
		slog.Info("item", "id", it.ID, "type", it.Type, "x", it.Position.X, "y", it.Position.Y, "chars", len(it.Content))
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	fmt.Println(`digraph "log" {`)
	for _, change := range changes {
		docAt, _ := doc.Fork(change.Hash())
		itemCount := 0
		if keys, err := docAt.RootMap().Keys(); err == nil {
			itemCount = len(keys)
		}
		fmt.Printf("    \"%s\" [label=\"%s %s@%d %d items\"]\n", change.Hash(), change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), itemCount)
		for _, hash := range change.Dependencies() {
			fmt.Printf("    \"%s\" -> \"%s\"\n", hash, change.Hash())
		}
	}
	fmt.Println("}")

	if *svgVar {
		path, err := viz.RenderToTemp(doc)
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+path)
	}
	return nil
}
