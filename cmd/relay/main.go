// Command relay runs a local websocket relay that echoes or broadcasts
// every message with a prefix.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/omochice/echochat/internal/logging"
	"github.com/omochice/echochat/internal/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr      string
		path      string
		prefix    string
		mode      string
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Local websocket echo/broadcast relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := relay.ParseMode(mode)
			if err != nil {
				return err
			}

			logger, closer, err := logging.New(logging.Options{Service: "relay", Level: logLevel, Format: logFormat})
			if err != nil {
				return err
			}
			defer closer.Close()

			srv := relay.New(relay.Options{
				Address: addr,
				Path:    path,
				Prefix:  prefix,
				Mode:    m,
				Logger:  logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errChan := make(chan error, 1)
			go func() {
				errChan <- srv.Start()
			}()

			select {
			case err := <-errChan:
				if !errors.Is(err, relay.ErrServerStopped) {
					return err
				}
			case <-ctx.Done():
				logger.Info().Msg("received signal, shutting down")
				srv.Stop()
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&addr, "addr", relay.DefaultAddress, "Address to listen on")
	fs.StringVar(&path, "path", relay.DefaultPath, "HTTP path serving websocket upgrades")
	fs.StringVar(&prefix, "prefix", relay.DefaultPrefix, "Text prepended to relayed text messages")
	fs.StringVar(&mode, "mode", string(relay.ModeEcho), "Relay mode: echo or broadcast")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "auto", "Log format: auto, console or json")

	return cmd
}
