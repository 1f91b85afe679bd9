package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/sushant-115/pagekv/config"
	"github.com/sushant-115/pagekv/core/indexmanager"
	"github.com/sushant-115/pagekv/pkg/logger"
	"github.com/sushant-115/pagekv/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to a YAML configuration file")
	storePath  = flag.String("path", "", "Store file; overrides store.path")
	password   = flag.String("password", "", "Encryption password; overrides store.password")
	cacheSize  = flag.Int("cache_size", 0, "Pager cache size in pages; overrides store.cache_size")
	noCreate   = flag.Bool("no_create", false, "Fail instead of creating a missing store")
	logLevel   = flag.String("log_level", "", "Log level; overrides logger.level")
)

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *password != "" {
		cfg.Store.Password = *password
	}
	if *cacheSize > 0 {
		cfg.Store.CacheSize = *cacheSize
	}
	if *noCreate {
		cfg.Store.CreateIfMissing = false
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer zlogger.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	if cfg.Store.CreateIfMissing {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	index, err := indexmanager.OpenBTreeIndexManager(indexmanager.Options{
		Path:            cfg.Store.Path,
		Password:        cfg.Store.ResolvePassword(),
		CacheSize:       cfg.Store.CacheSize,
		CreateIfMissing: cfg.Store.CreateIfMissing,
		Logger:          zlogger.Named("pagekv"),
	}, tel)
	if err != nil {
		return err
	}
	defer func() {
		if err := index.Close(); err != nil {
			zlogger.Error("Failed to close store", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &session{index: index, out: os.Stdout, backupRate: cfg.Store.BackupBytesPerSec}
	if args := flag.Args(); len(args) > 0 {
		s.processCommand(ctx, args)
		return nil
	}
	return interactive(ctx, s, cfg.Store.Path)
}

func interactive(ctx context.Context, s *session, path string) error {
	items := make([]readline.PrefixCompleterInterface, 0, len(commandNames))
	for _, name := range commandNames {
		items = append(items, readline.PcItem(name))
	}
	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagekv> ",
		HistoryFile:     filepath.Join(home, ".pagekv_history"),
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "pagekv CLI on %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", path)
	s.out = rl.Stdout()
	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.processCommand(ctx, strings.Fields(line)) {
			return nil
		}
	}
	return nil
}
