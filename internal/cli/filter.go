package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/patchlore/patchlore/internal/db"
	"github.com/patchlore/patchlore/internal/models"
)

var (
	filterAddAuthor      string
	filterAddAuthorEmail string
	filterAddKeywords    []string
	filterAddRegex       string
	filterAddExclusive   bool
	filterAddDescription string
)

func init() {
	rootCmd.AddCommand(filterCmd)
	filterCmd.AddCommand(filterAddCmd)
	filterCmd.AddCommand(filterListCmd)
	filterCmd.AddCommand(filterEnableCmd)
	filterCmd.AddCommand(filterDisableCmd)
	filterCmd.AddCommand(filterRmCmd)
	filterCmd.AddCommand(filterAutoWatchCmd)

	filterAddCmd.Flags().StringVar(&filterAddAuthor, "author", "", "author name substring or /regex/")
	filterAddCmd.Flags().StringVar(&filterAddAuthorEmail, "author-email", "", "author email substring or /regex/")
	filterAddCmd.Flags().StringSliceVar(&filterAddKeywords, "keyword", nil, "subject keyword (repeatable, any match)")
	filterAddCmd.Flags().StringVar(&filterAddRegex, "subject-regex", "", "subject regex")
	filterAddCmd.Flags().BoolVar(&filterAddExclusive, "exclusive", false, "make this an exclusive rule")
	filterAddCmd.Flags().StringVar(&filterAddDescription, "description", "", "rule description")
}

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Manage filter rules",
}

var filterAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create or replace a filter rule",
	Long: `Create a filter rule, replacing any existing rule with the same name.

Condition values wrapped in slashes (/…/) are case-insensitive regexes;
anything else matches as a case-insensitive substring. All given
conditions must match for the rule to fire.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rule := &models.FilterRule{
			Name:        args[0],
			Enabled:     true,
			Exclusive:   filterAddExclusive,
			Description: filterAddDescription,
			Conditions: models.FilterConditions{
				Author:          filterAddAuthor,
				AuthorEmail:     filterAddAuthorEmail,
				SubjectKeywords: filterAddKeywords,
				SubjectRegex:    filterAddRegex,
			},
		}
		if rule.Conditions.Empty() {
			return fmt.Errorf("at least one condition is required")
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		repo := db.NewFilterRuleRepository(database)
		if err := repo.Upsert(context.Background(), rule); err != nil {
			return err
		}
		fmt.Printf("Filter rule %q saved.\n", rule.Name)
		return nil
	},
}

var filterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List filter rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		repo := db.NewFilterRuleRepository(database)
		rules, err := repo.List(context.Background(), false)
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Println("No filter rules.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tENABLED\tEXCLUSIVE\tCONDITIONS")
		for _, rule := range rules {
			fmt.Fprintf(w, "%s\t%t\t%t\t%s\n", rule.Name, rule.Enabled, rule.Exclusive, describeConditions(rule.Conditions))
		}
		return w.Flush()
	},
}

var filterEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a filter rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFilterEnabled(args[0], true)
	},
}

var filterDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a filter rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFilterEnabled(args[0], false)
	},
}

var filterRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a filter rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		repo := db.NewFilterRuleRepository(database)
		if err := repo.Delete(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Filter rule %q deleted.\n", args[0])
		return nil
	},
}

var filterAutoWatchCmd = &cobra.Command{
	Use:   "auto-watch [on|off]",
	Short: "Show or set the auto-watch flag",
	Long: `With no argument, print whether auto-watch is enabled. With on or
off, set it. When enabled, a card whose message matched at least one
filter rule gets a discussion thread opened automatically.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		ctx := context.Background()
		repo := db.NewFilterRuleRepository(database)
		if len(args) == 0 {
			enabled, err := repo.AutoWatchEnabled(ctx)
			if err != nil {
				return err
			}
			if enabled {
				fmt.Println("Auto-watch is on.")
			} else {
				fmt.Println("Auto-watch is off.")
			}
			return nil
		}

		switch args[0] {
		case "on":
			err = repo.SetAutoWatchEnabled(ctx, true)
		case "off":
			err = repo.SetAutoWatchEnabled(ctx, false)
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("Auto-watch set to %s.\n", args[0])
		return nil
	},
}

func setFilterEnabled(name string, enabled bool) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	repo := db.NewFilterRuleRepository(database)
	if err := repo.SetEnabled(context.Background(), name, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Filter rule %q %s.\n", name, state)
	return nil
}

func describeConditions(c models.FilterConditions) string {
	parts := make([]string, 0, 4)
	if c.Author != "" {
		parts = append(parts, "author="+c.Author)
	}
	if c.AuthorEmail != "" {
		parts = append(parts, "author-email="+c.AuthorEmail)
	}
	if len(c.SubjectKeywords) > 0 {
		parts = append(parts, "keywords="+strings.Join(c.SubjectKeywords, ","))
	}
	if c.SubjectRegex != "" {
		parts = append(parts, "subject-regex="+c.SubjectRegex)
	}
	return strings.Join(parts, " ")
}
