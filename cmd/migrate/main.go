// Command migrate manages the marketpay database schema with goose.
//
//	migrate up               apply all pending migrations
//	migrate down             roll back the most recent migration
//	migrate status           show applied and pending migrations
//	migrate up-to <n>        migrate up to a specific version
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	dir := flag.String("dir", "migrations", "directory containing migration files")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: migrate [-dir migrations] <command> [args]")
		fmt.Fprintln(os.Stderr, "commands: up, down, status, version, redo, up-to <n>, down-to <n>")
		os.Exit(2)
	}

	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("connect to database: %v", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("set dialect: %v", err)
	}

	command := flag.Arg(0)
	if err := goose.RunContext(context.Background(), command, db, *dir, flag.Args()[1:]...); err != nil {
		log.Fatalf("migrate %s: %v", command, err)
	}
}
