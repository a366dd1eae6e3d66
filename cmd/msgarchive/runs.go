package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Napageneral/msgarchive/internal/db"
	"github.com/Napageneral/msgarchive/internal/runlog"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded export runs",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool         `json:"ok"`
				Message string       `json:"message,omitempty"`
				Runs    []runlog.Run `json:"runs,omitempty"`
			}

			limit, _ := cmd.Flags().GetInt("limit")

			database, err := db.Open()
			if err != nil {
				result := Result{OK: false, Message: fmt.Sprintf("Failed to open database: %v", err)}
				fail(result, result.Message)
			}
			defer database.Close()

			runs, err := runlog.List(database, limit)
			if err != nil {
				result := Result{OK: false, Message: err.Error()}
				fail(result, result.Message)
			}

			if jsonOutput {
				printJSON(Result{OK: true, Runs: runs})
				return
			}
			if len(runs) == 0 {
				fmt.Println("No export runs recorded")
				return
			}
			for _, r := range runs {
				mark := "✗"
				switch r.Status {
				case runlog.StatusSuccess:
					mark = "✓"
				case runlog.StatusRunning:
					mark = "…"
				}
				fmt.Printf("%s %s  %s  %s\n", mark, r.ID, r.Status, humanize.Time(time.Unix(r.StartedAt, 0)))
				fmt.Printf("  Output: %s\n", r.OutputDir)
				fmt.Printf("  Chats:  %d rendered, %d failed of %d\n", r.ChatsRendered, r.ChatsFailed, r.ChatsSelected)
				fmt.Printf("  Messages: %s\n", humanize.Comma(int64(r.Messages)))
				if r.Error != nil {
					fmt.Printf("  Error: %s\n", *r.Error)
				}
			}
		},
	}
	cmd.Flags().Int("limit", 20, "Number of runs to show")
	return cmd
}
