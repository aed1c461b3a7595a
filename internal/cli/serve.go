package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/patchlore/patchlore/internal/feed"
	"github.com/patchlore/patchlore/internal/lifecycle"
	"github.com/patchlore/patchlore/internal/monitor"
	"github.com/patchlore/patchlore/internal/senders"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring loop",
	Long: `Poll the subscribed subsystem feeds on the configured interval,
creating patch cards and updating discussion threads as messages arrive.
Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		processor := lifecycle.NewProcessor(
			database,
			senders.NewConsoleCardSender(),
			senders.NewConsoleThreadSender(),
			cfg.Monitor.CardExpiry,
		)
		m := monitor.New(cfg.Monitor, database, feed.NewAtomSource(), processor)

		err = m.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}
