// Command livesync runs the live component sync server.
package main

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/livesync/internal/config"
	"github.com/vango-dev/livesync/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ╦  ┬┬  ┬┌─┐┌─┐┬ ┬┌┐┌┌─┐
  ║  │└┐┌┘├┤ └─┐└┬┘││││
  ╩═╝┴ └┘ └─┘└─┘ ┴ ┘└┘└─┘
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		errors.Print(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "livesync",
		Short: "Real-time component state sync over WebSocket",
		Long: `livesync hosts server-side components whose state is kept in sync
with connected clients over a single WebSocket per client.

Components are mounted by the client, run their actions on the server
and push state deltas back. Rooms share events and state between
connections, and files stream up in adaptive chunks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: livesync.yaml in the working directory)")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		configCmd(&configPath),
		tokenCmd(&configPath),
		versionCmd(),
	)
	return rootCmd
}

// loadConfig reads the config at path, or from the working directory when
// path is empty. A missing file in the working directory means defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.Load(".")
	if stderrors.Is(err, errors.New("L100")) {
		cfg = config.New()
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

func printBanner(w io.Writer) {
	fmt.Fprint(w, banner)
}

// success prints a success message.
func success(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "  %s\n", fmt.Sprintf(format, args...))
}
