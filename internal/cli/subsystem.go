package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patchlore/patchlore/internal/db"
)

func init() {
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(unsubscribeCmd)
	rootCmd.AddCommand(subsystemsCmd)
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <subsystem>",
	Short: "Subscribe to a subsystem feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		repo := db.NewSubsystemRepository(database)
		if err := repo.Subscribe(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Subscribed to %s.\n", args[0])
		return nil
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <subsystem>",
	Short: "Unsubscribe from a subsystem feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		repo := db.NewSubsystemRepository(database)
		if err := repo.Unsubscribe(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Unsubscribed from %s.\n", args[0])
		return nil
	},
}

var subsystemsCmd = &cobra.Command{
	Use:   "subsystems",
	Short: "List subscribed subsystems",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		repo := db.NewSubsystemRepository(database)
		names, err := repo.ListSubscribed(context.Background())
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No subscribed subsystems.")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}
