package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"pagerelay/internal/config"
	"pagerelay/internal/dispatch"
	"pagerelay/internal/profile"
	providerfactory "pagerelay/internal/provider/factory"
	"pagerelay/internal/server"
	"pagerelay/internal/stream"
)

const serveUsage = `Usage:
  pagerelay serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	store, err := profile.NewStore(cfg.Profiles.Path)
	if err != nil {
		return err
	}
	if cfg.Profiles.Watch {
		if err := store.Watch(ctx); err != nil {
			return err
		}
	}

	adapters, err := providerfactory.New()
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(adapters, stream.NewRegistry())

	srv, err := server.New(cfg, dispatcher, store)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
