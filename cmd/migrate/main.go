// Command migrate manages the escrow schema with goose. The SQL files are
// embedded, so the binary needs DATABASE_URL and nothing else on disk.
//
// Subcommands mirror goose: up, down, status, version, redo, up-to N,
// down-to N.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/dippydogellm/riddleswap.com-sub018/migrations"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := goose.OpenDBWithDriver("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.RunContext(ctx, args[0], db, ".", args[1:]...); err != nil {
		return fmt.Errorf("migrate %s: %w", args[0], err)
	}
	return nil
}
