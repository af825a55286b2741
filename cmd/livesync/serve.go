package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/livesync/internal/config"
	"github.com/vango-dev/livesync/internal/demo"
	"github.com/vango-dev/livesync/internal/errors"
	"github.com/vango-dev/livesync/pkg/server"
)

type serveOptions struct {
	addr     string
	demo     bool
	debug    bool
	logLevel string
}

func serveCmd(configPath *string) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync server",
		Long: `Start the sync server.

Settings come from the config file; flags override it. Secrets may
also be given through LIVESYNC_REHYDRATION_SECRET and LIVESYNC_JWT_SECRET.

Examples:
  livesync serve
  livesync serve --addr=:9000 --demo
  livesync serve -c prod.yaml --log-level=warn`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := opts.apply(cfg); err != nil {
				return err
			}
			slog.SetDefault(cfg.Logger(os.Stderr))

			srv, err := newServer(cfg, opts.demo)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			printBanner(w)
			info(w, "WebSocket  ws://%s%s", displayAddr(cfg.Server.Address), server.PathWebSocket)
			info(w, "Health     http://%s%s", displayAddr(cfg.Server.Address), server.PathHealth)
			if cfg.Debug.Enabled {
				info(w, "Debug      ws://%s%s", displayAddr(cfg.Server.Address), server.PathDebug)
			}
			if opts.demo {
				info(w, "Demo components: Counter, Chat, Profile")
			}
			fmt.Fprintln(w)

			if err := srv.Run(); err != nil {
				if stderrors.Is(err, context.DeadlineExceeded) {
					return errors.New("L121").Wrap(err)
				}
				return errors.FromError(err, "L120")
			}
			success(w, "Server stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.addr, "addr", "a", "", "Listen address (default from config)")
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "Register the demo components")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable the debug event stream")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	return cmd
}

// apply layers the flags over cfg and revalidates it.
func (o serveOptions) apply(cfg *config.Config) error {
	if o.addr != "" {
		cfg.Server.Address = o.addr
	}
	if o.debug {
		cfg.Debug.Enabled = true
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		var e *errors.Error
		if stderrors.As(err, &e) && e.Location == nil {
			// Flag overrides have no file position to point at.
			return errors.New("L140").WithDetail(e.Error()).Wrap(err)
		}
		return err
	}
	return nil
}

// newServer builds the server described by cfg.
func newServer(cfg *config.Config, withDemo bool) (*server.Server, error) {
	sc, err := cfg.ToServerConfig()
	if err != nil {
		return nil, errors.FromError(err, "L123")
	}
	srv := server.New(sc)
	if withDemo {
		if err := srv.Register(demo.Definitions()...); err != nil {
			return nil, errors.New("L122").WithDetail(err.Error()).Wrap(err)
		}
	}
	return srv, nil
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
