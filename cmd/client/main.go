// Command client connects to a chat relay, prints every received message
// and sends each line typed on stdin. Type /quit, send EOF or interrupt to
// leave.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/echochat/internal/config"
	"github.com/omochice/echochat/internal/logging"
	"github.com/omochice/echochat/internal/session"
)

const quitCommand = "/quit"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "client",
		Short:        "Minimal websocket chat client",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cmd.Flags())
			if err != nil {
				return err
			}

			logger, closer, err := logging.New(logging.Options{
				Service: "client",
				Level:   cfg.LogLevel,
				Format:  cfg.LogFormat,
				File:    cfg.LogFile,
			})
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	config.BindFlags(cmd.Flags())

	return cmd
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger, in io.Reader, out io.Writer) error {
	m, err := session.New(cfg, logger)
	if err != nil {
		return err
	}
	sub := m.Subscribe()
	defer sub.Close()

	if err := m.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start session")
	}

	lines := make(chan string)
	go readLines(in, lines, m.Done())

	var g errgroup.Group

	// Render loop: the subscription closes once the session ends.
	g.Go(func() error {
		for {
			_, ok := <-sub.C()
			for _, msg := range sub.Next() {
				fmt.Fprintln(out, msg)
			}
			if !ok {
				return nil
			}
		}
	})

	// Input loop.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return shutdown(m, cfg, logger)
			case <-m.Done():
				return m.Err()
			case line, ok := <-lines:
				if !ok || line == quitCommand {
					return shutdown(m, cfg, logger)
				}
				if line == "" {
					continue
				}
				if err := m.Send(line); err != nil {
					logger.Warn().Err(err).Msg("failed to send message")
				}
			}
		}
	})

	return g.Wait()
}

// shutdown closes the session and waits up to the close timeout for the
// relay to answer.
func shutdown(m *session.Manager, cfg config.Config, logger zerolog.Logger) error {
	if err := m.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("shutdown failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CloseTimeout)
	defer cancel()
	if err := m.Wait(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func readLines(in io.Reader, lines chan<- string, done <-chan struct{}) {
	defer close(lines)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- strings.TrimSpace(scanner.Text()):
		case <-done:
			return
		}
	}
}
