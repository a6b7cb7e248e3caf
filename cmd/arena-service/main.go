// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os/signal"
	"syscall"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/arena/lib/audit"
	"github.com/bureau-foundation/arena/lib/clock"
	"github.com/bureau-foundation/arena/lib/config"
	"github.com/bureau-foundation/arena/lib/flagvault"
	"github.com/bureau-foundation/arena/lib/instance"
	"github.com/bureau-foundation/arena/lib/policy"
	"github.com/bureau-foundation/arena/lib/process"
	"github.com/bureau-foundation/arena/lib/reaper"
	"github.com/bureau-foundation/arena/lib/service"
	"github.com/bureau-foundation/arena/lib/sqlitepool"
	"github.com/bureau-foundation/arena/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var showVersion bool
	var configPath string
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.StringVar(&configPath, "config", "", "path to the configuration file (defaults to $ARENA_CONFIG)")
	flag.Parse()

	if showVersion {
		fmt.Printf("arena-service %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := service.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Storage.Path,
		PoolSize: cfg.Storage.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, instance.Schema+flagvault.Schema+audit.Schema, nil)
		},
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	// Load the encryption keyring, minting one on first start so the
	// operator never handles key material directly.
	keyring, err := flagvault.LoadKeyring(cfg.Keys.Path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no keyring found, generating", "path", cfg.Keys.Path)
		if keyring, err = flagvault.NewKeyring(); err != nil {
			return fmt.Errorf("generating keyring: %w", err)
		}
		if err := flagvault.SaveKeyring(keyring, cfg.Keys.Path); err != nil {
			keyring.Close()
			return fmt.Errorf("saving keyring: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("loading keyring: %w", err)
	}
	defer keyring.Close()

	auditLog, err := audit.Open(ctx, audit.Config{
		Pool:   pool,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	vault, err := flagvault.New(flagvault.Config{
		Pool:    pool,
		Keyring: keyring,
		Clock:   clk,
		Logger:  logger,
		Audit:   auditLog,
	})
	if err != nil {
		return err
	}

	policies, err := policy.NewResolver(cfg.Policy.Default, cfg.Policy.Overrides)
	if err != nil {
		return err
	}

	store := instance.NewStore(pool)

	manager, err := instance.NewManager(instance.Config{
		Store:            store,
		Vault:            vault,
		Policies:         policies,
		Provisioner:      newExecProvisioner(cfg.Provisioner, logger),
		Audit:            auditLog,
		Clock:            clk,
		Logger:           logger,
		ProvisionTimeout: cfg.Provisioner.StartTimeout,
		TeardownTimeout:  cfg.Provisioner.StopTimeout,
		RetryAttempts:    cfg.Provisioner.RetryAttempts,
		RetryBackoff:     cfg.Provisioner.RetryBackoff,
	})
	if err != nil {
		return err
	}

	sweeper, err := reaper.New(reaper.Config{
		Manager:  manager,
		Store:    store,
		Clock:    clk,
		Logger:   logger,
		Interval: cfg.Reaper.Interval,
	})
	if err != nil {
		return err
	}
	go sweeper.Run(ctx)

	server := service.NewSocketServer(cfg.Listen.SocketPath, logger)
	registerHandlers(server, handlerDeps{
		manager:  manager,
		vault:    vault,
		policies: policies,
		auditLog: auditLog,
		keyPath:  cfg.Keys.Path,
	})

	logger.Info("arena-service starting",
		"version", version.Info(),
		"socket", cfg.Listen.SocketPath,
		"database", cfg.Storage.Path)

	serveErr := server.Serve(ctx)

	// The reaper observes the same context cancellation; wait for its
	// in-flight sweep before tearing down the pool.
	<-sweeper.Done()

	return serveErr
}
