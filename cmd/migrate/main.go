package main

import (
	"fmt"
	"os"

	"github.com/forkful/realtime/db"
	"github.com/forkful/realtime/internal/config"
	idb "github.com/forkful/realtime/internal/db"
	"github.com/forkful/realtime/internal/logger"
)

const usage = `usage: migrate <command> [args]

commands:
  up         apply all pending migrations
  down       roll back every migration
  version    print the current schema version
  force N    set the version to N without running migrations

DATABASE_URL selects the database.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log := logger.Component("migrate")

	if err := idb.RunMigrate(log, cfg.DatabaseURL, db.MigrationsFS, "migrations", os.Args[1], os.Args[2:]); err != nil {
		log.Error("migrate failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}
