// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Databus-mock-kernel runs the in-process DataBus kernel from
// lib/databustest as a standalone process, for developing clients
// without a real kernel.
//
// It listens on TCP, publishes segments as files under the memory
// directory (so clients using shmem.Directory map the same bytes), and
// logs every request at debug level. Segments are removed on shutdown.
//
// Settings come from the config file (--config or DATABUS_CONFIG, both
// optional here); flags override the file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/databus/lib/config"
	"github.com/bureau-foundation/databus/lib/databustest"
	"github.com/bureau-foundation/databus/lib/netutil"
	"github.com/bureau-foundation/databus/lib/process"
	"github.com/bureau-foundation/databus/lib/shmem"
	"github.com/bureau-foundation/databus/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath  string
	listen      string
	directory   string
	prefix      string
	inMemory    bool
	logLevel    string
	logFormat   string
	showVersion bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	var opts options
	flagSet := pflag.NewFlagSet("databus-mock-kernel", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", os.Getenv("DATABUS_CONFIG"), "path to databus.yaml (default $DATABUS_CONFIG)")
	flagSet.StringVar(&opts.listen, "listen", "", "TCP listen address (default kernel.host:kernel.port from config)")
	flagSet.StringVar(&opts.directory, "directory", "", "directory for segment files (default memory.directory from config)")
	flagSet.StringVar(&opts.prefix, "prefix", "", "segment file name prefix (default memory.prefix from config)")
	flagSet.BoolVar(&opts.inMemory, "in-memory", false, "keep segments in process memory instead of files")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn, or error")
	flagSet.StringVar(&opts.logFormat, "log-format", "", "text, json, or auto")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	if flagSet.NArg() > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return &opts, flagSet, nil
}

// resolve merges the config file with flag overrides.
func resolve(opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.LoadFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.directory != "" {
		cfg.Memory.Directory = opts.directory
	}
	if opts.prefix != "" {
		cfg.Memory.Prefix = opts.prefix
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}
	if opts.listen == "" {
		opts.listen = netutil.JoinHostPort(cfg.Kernel.Host, cfg.Kernel.Port)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string) error {
	opts, _, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if opts.showVersion {
		version.Print("databus-mock-kernel")
		return nil
	}

	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	logger := cfg.Logging.NewLogger(os.Stderr)

	var store shmem.Store
	if opts.inMemory {
		store = shmem.NewMemory()
	} else {
		if err := os.MkdirAll(cfg.Memory.Directory, 0o755); err != nil {
			return fmt.Errorf("creating segment directory: %w", err)
		}
		store = shmem.NewDirectory(cfg.Memory.Directory, cfg.Memory.Prefix)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kernel, err := databustest.Listen(databustest.Options{
		Address: opts.listen,
		Store:   store,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	logger.Info("mock kernel running",
		"address", kernel.Addr().String(),
		"directory", cfg.Memory.Directory,
		"prefix", cfg.Memory.Prefix,
		"in_memory", opts.inMemory,
		"version", version.Info(),
	)

	<-ctx.Done()
	logger.Info("shutting down", "requests_handled", len(kernel.Events()))
	if err := kernel.Close(); err != nil {
		logger.Warn("closing kernel", "error", err)
	}
	return nil
}
