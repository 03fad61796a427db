package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	pgclient "tickerpulse/internal/adapters/postgres"
	"tickerpulse/internal/bootstrap"
	"tickerpulse/pkg/errors"
)

var rootCmd = &cobra.Command{
	Use:           "tickerpulse",
	Short:         "tickerpulse - Reddit ticker sentiment pipeline",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, scheduled pulls and run notifications",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply Postgres migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, pullCmd, evaluateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	c := bootstrap.NewContainer()
	c.MustInit()

	if err := c.Start(); err != nil {
		c.Log.Errorw("Startup failed", "error", err)
		c.Shutdown()
		return err
	}

	waitForShutdown(c)
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	c := bootstrap.NewContainer()
	c.MustInitConfig()
	defer c.Shutdown()

	if err := pgclient.Migrate(c.Config.Postgres, c.Log); err != nil {
		return errors.Wrap(err, "migrate")
	}
	c.Log.Info("✓ Migrations applied")
	return nil
}

// waitForShutdown blocks until a signal arrives or the container context
// is cancelled (fatal HTTP error), then shuts the container down
func waitForShutdown(c *bootstrap.Container) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.Log.Infow("Received shutdown signal", "signal", sig.String())
	case <-c.Context.Done():
		c.Log.Warn("Application context cancelled")
	}

	c.Shutdown()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
