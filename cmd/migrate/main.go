package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/rl1809/supermarket/internal/adapter/storage"
	"github.com/rl1809/supermarket/internal/config"
	"github.com/rl1809/supermarket/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	steps := flag.Int("n", 0, "number of migrations for the steps command (negative rolls back)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: migrate [-config file] [-n N] up|down|steps|version\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	zl, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	db, err := sql.Open("mysql", cfg.MySQL.DSN())
	if err != nil {
		zl.Fatal("open mysql", zap.Error(err))
	}
	m, err := storage.NewMigrator(db, zl)
	if err != nil {
		zl.Fatal("build migrator", zap.Error(err))
	}
	defer m.Close()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		if *steps == 0 {
			zl.Fatal("steps requires -n")
		}
		err = m.Steps(*steps)
	case "version":
		var (
			v     uint
			dirty bool
		)
		v, dirty, err = m.Version()
		if err == nil {
			fmt.Printf("version %d (dirty: %t)\n", v, dirty)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		zl.Fatal("migration failed", zap.Error(err))
	}
}
