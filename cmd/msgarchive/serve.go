package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Napageneral/msgarchive/internal/logging"
	"github.com/Napageneral/msgarchive/internal/preview"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [archive-dir]",
		Short: "Preview an exported archive in the browser",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				Message string `json:"message,omitempty"`
				Root    string `json:"root,omitempty"`
				URL     string `json:"url,omitempty"`
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				result := Result{OK: false, Message: fmt.Sprintf("Failed to load config: %v", err)}
				fail(result, result.Message)
			}
			defer logger.Sync()

			root := cfg.Render.OutputDir
			if len(args) == 1 {
				root = args[0]
			}
			addr, _ := cmd.Flags().GetString("addr")

			srv, err := preview.New(root, logging.Component(logger, "preview"))
			if err != nil {
				result := Result{OK: false, Message: err.Error()}
				fail(result, result.Message)
			}

			result := Result{OK: true, Root: srv.Root(), URL: "http://" + addr + "/"}
			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Serving %s at %s (Ctrl-C to stop)\n", result.Root, result.URL)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(exitFailure)
			}
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "Address to listen on")
	return cmd
}
