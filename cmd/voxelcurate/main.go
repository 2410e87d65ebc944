// Command voxelcurate inspects and maintains a persisted curation session:
// step history, undo, export, property tables and volume summaries.
//
// The session is selected with VOXELCURATE_* environment variables; --root
// overrides VOXELCURATE_ROOT.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"voxelcurate/internal/blob"
	"voxelcurate/internal/config"
	"voxelcurate/internal/dataset"
	"voxelcurate/internal/journal"
	"voxelcurate/internal/telemetry"
)

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "voxelcurate: %v\n", err)
		return 1
	}
	return 0
}

type app struct {
	stdout, stderr io.Writer
	root           string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	cmd := &cobra.Command{
		Use:           "voxelcurate",
		Short:         "Inspect and maintain a voxel curation session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&a.root, "root", "", "session root (overrides VOXELCURATE_ROOT)")
	cmd.AddCommand(
		a.historyCmd(),
		a.undoCmd(),
		a.exportCmd(),
		a.importCmd(),
		a.propsCmd(),
		a.infoCmd(),
	)
	return cmd
}

// withSession opens the configured session, runs fn and closes the session.
func (a *app) withSession(ctx context.Context, fn func(*dataset.Dataset) error) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.root != "" {
		cfg.Root = a.root
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))

	blobs, err := blob.Open(ctx, cfg.BlobOptions())
	if err != nil {
		return fmt.Errorf("open artifacts: %w", err)
	}
	j, err := journal.Open(ctx, cfg.JournalOptions())
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	d, err := dataset.Open(ctx, dataset.Options{
		Blobs:       blobs,
		Journal:     j,
		CacheBudget: int64(cfg.CacheBudget),
		Workers:     cfg.Workers,
		Queue:       cfg.Queue,
		Eager:       cfg.Eager,
		Logger:      logger,
		Metrics:     telemetry.New(nil),
	})
	if err != nil {
		_ = j.Close()
		return err
	}
	defer func() {
		if cerr := d.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = fmt.Errorf("close session: %w", cerr)
		}
	}()
	return fn(d)
}
