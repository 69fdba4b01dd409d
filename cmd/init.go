package cmd

import (
	"fmt"
	"log"

	"github.com/arcward/confessional/confessional"
	"github.com/spf13/cobra"
	"gorm.io/gorm/clause"
)

var (
	initConfessionChannelID string
	initLogsChannelID       string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and (optionally) seed channel settings",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Database type not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		db, err := confessional.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()

		seed := map[string]string{}
		if initConfessionChannelID != "" {
			seed["confession_channel_id"] = initConfessionChannelID
		}
		if initLogsChannelID != "" {
			seed["logs_channel_id"] = initLogsChannelID
		}
		for name, value := range seed {
			setting := confessional.Setting{Name: name, Value: value}
			err = db.WithContext(ctx).Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "name"}},
					DoUpdates: clause.AssignmentColumns([]string{"value"}),
				},
			).Create(&setting).Error
			if err != nil {
				log.Fatalf("Error seeding setting %s: %v", name, err)
			}
			fmt.Fprintf(out, "Seeded setting %s=%s\n", name, value)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(
		&initConfessionChannelID,
		"confession-channel",
		"",
		"Channel ID to seed as the confession channel",
	)
	initCmd.Flags().StringVar(
		&initLogsChannelID,
		"logs-channel",
		"",
		"Channel ID to seed as the logs channel",
	)
}
