package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/patchlore/patchlore/internal/lifecycle"
	"github.com/patchlore/patchlore/internal/senders"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(sweepCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <message-id>",
	Short: "Open a discussion thread for a patch card",
	Long: `Open a discussion thread for the card identified by its Message-ID
header, regardless of filter matches. Watching an already watched card is
a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		processor, cleanup, err := buildProcessor()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := processor.Watch(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Watching %s.\n", args[0])
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <message-id>",
	Short: "Archive a card's discussion thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		processor, cleanup, err := buildProcessor()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := processor.ArchiveThread(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Archived thread for %s.\n", args[0])
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired cards that never gained a thread",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		processor, cleanup, err := buildProcessor()
		if err != nil {
			return err
		}
		defer cleanup()

		removed, err := processor.SweepExpiredCards(context.Background(), time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d expired card(s).\n", removed)
		return nil
	},
}

func buildProcessor() (*lifecycle.Processor, func(), error) {
	database, err := openDatabase()
	if err != nil {
		return nil, nil, err
	}
	processor := lifecycle.NewProcessor(
		database,
		senders.NewConsoleCardSender(),
		senders.NewConsoleThreadSender(),
		GetConfig().Monitor.CardExpiry,
	)
	return processor, func() { database.Close() }, nil
}
