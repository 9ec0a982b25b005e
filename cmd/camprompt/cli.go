package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vbonduro/camprompt/internal/session"
	"github.com/vbonduro/camprompt/internal/web"
	"github.com/vbonduro/camprompt/internal/web/templates"
)

// newCLIApp creates the CLI application. Running without a command serves
// the web UI.
func newCLIApp(out io.Writer) *cli.App {
	app := &cli.App{
		Name:    "camprompt",
		Usage:   "Send camera frames with an instruction to a multimodal completion endpoint",
		Version: Version,
		Flags:   serveFlags(),
		Action:  serveAction,
		Commands: []*cli.Command{
			serveCmd(),
			onceCmd(out),
			watchCmd(out),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func sessionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "endpoint", Aliases: []string{"e"}, Usage: "Completion server base URL (overrides ENDPOINT_BASE)"},
		&cli.StringFlag{Name: "instruction", Aliases: []string{"i"}, Usage: "Instruction sent with every frame (overrides INSTRUCTION)"},
		&cli.DurationFlag{Name: "interval", Usage: "Polling interval, one of INTERVAL_CHOICES_MS (overrides INTERVAL_MS)"},
	}
}

func serveFlags() []cli.Flag {
	return append(sessionFlags(),
		&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "HTTP listen address (overrides LISTEN_ADDR)"},
	)
}

// serveCmd creates the serve command.
func serveCmd() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve the web UI (default)",
		Flags:  serveFlags(),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(c, true)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer rt.close()

	// A camera failure is reported on the page; the UI still comes up.
	if err := rt.coord.Init(ctx); err != nil {
		rt.logger.Error("camera unavailable", "error", err)
	}

	var gatherer prometheus.Gatherer
	if rt.registry != nil {
		gatherer = rt.registry
	}
	srv := web.NewServer(rt.coord, templates.FS, gatherer, rt.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, rt.cfg.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.coord.Stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		rt.logger.Error("server error", "error", err)
		return cli.Exit(err.Error(), 1)
	}
	rt.logger.Info("shutdown complete")
	return nil
}

// onceCmd creates the once command.
func onceCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "once",
		Usage: "Capture one frame, print the reply and exit",
		Flags: sessionFlags(),
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(c, false)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer rt.close()

			if err := rt.coord.Init(ctx); err != nil {
				return cli.Exit(rt.coord.Snapshot().Status, 1)
			}
			rt.coord.CaptureOnce(ctx)

			snap := rt.coord.Snapshot()
			if len(snap.History) == 0 {
				return cli.Exit(snap.Status, 1)
			}
			_, err = fmt.Fprintln(out, snap.History[0].Text)
			return err
		},
	}
}

// watchCmd creates the watch command.
func watchCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Run periodically without the web UI, printing each reply until interrupted",
		Flags: sessionFlags(),
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(c, false)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer rt.close()

			if err := rt.coord.Init(ctx); err != nil {
				return cli.Exit(rt.coord.Snapshot().Status, 1)
			}
			return watch(ctx, rt.coord, out)
		},
	}
}

// watch starts processing and prints history entries as they arrive until
// ctx is cancelled.
func watch(ctx context.Context, coord *session.Coordinator, out io.Writer) error {
	updates, cancel := coord.Subscribe()
	defer cancel()

	if err := coord.Start(); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer coord.Stop()

	var lastID, lastStatus string
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			fresh := newEntries(snap.History, lastID)
			for _, e := range fresh {
				if _, err := fmt.Fprintf(out, "%s\t%s\n", e.At.Format(time.RFC3339), e.Text); err != nil {
					return err
				}
			}
			if len(fresh) > 0 {
				lastID = fresh[len(fresh)-1].ID
			} else if !snap.Busy && snap.Status != lastStatus && isFailure(snap.Status) {
				fmt.Fprintln(os.Stderr, snap.Status)
			}
			lastStatus = snap.Status
		}
	}
}

// newEntries returns the entries newer than lastID, oldest first. History is
// newest first.
func newEntries(history []session.Entry, lastID string) []session.Entry {
	var fresh []session.Entry
	for _, e := range history {
		if e.ID == lastID {
			break
		}
		fresh = append(fresh, e)
	}
	slices.Reverse(fresh)
	return fresh
}

func isFailure(status string) bool {
	return status == session.StatusCaptureFailed || strings.HasPrefix(status, "Error: ")
}
