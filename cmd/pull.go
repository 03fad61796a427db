package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tickerpulse/internal/bootstrap"
	"tickerpulse/internal/services/pulljob"
	"tickerpulse/pkg/errors"
)

var pullCmd = &cobra.Command{
	Use:   "pull [subreddit]",
	Short: "Run one pull job in the foreground and print its final state",
	Long:  "Pulls the given subreddit, or every configured subreddit when none is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPull,
}

var pollInterval time.Duration

func init() {
	pullCmd.Flags().DurationVar(&pollInterval, "poll", time.Second, "Job status poll interval")
}

// jobClient is the part of the pull job manager the command drives
type jobClient interface {
	Start(ctx context.Context, mode pulljob.Mode, subreddit string) (*pulljob.Snapshot, error)
	Snapshot(id uuid.UUID) (*pulljob.Snapshot, error)
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := bootstrap.NewContainer()
	c.MustInitPipeline()
	defer c.Shutdown()

	mode, subreddit := pulljob.ModeAll, ""
	if len(args) == 1 {
		mode, subreddit = pulljob.ModeSingle, args[0]
	}

	snap, err := runJob(ctx, c.Services.PullJobs, mode, subreddit, pollInterval)
	if snap != nil {
		if werr := writeJSON(cmd.OutOrStdout(), snap); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if snap.Status == pulljob.StatusFailed {
		return errors.Newf("pull job %s failed", snap.ID)
	}
	return nil
}

// runJob starts a job and polls it until it leaves the active states
func runJob(ctx context.Context, jobs jobClient, mode pulljob.Mode, subreddit string, interval time.Duration) (*pulljob.Snapshot, error) {
	snap, err := jobs.Start(ctx, mode, subreddit)
	if err != nil {
		return nil, errors.Wrap(err, "start pull job")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for snap.Status.Active() {
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
		if snap, err = jobs.Snapshot(snap.ID); err != nil {
			return nil, errors.Wrap(err, "read pull job")
		}
	}
	return snap, nil
}
