package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Napageneral/msgarchive/internal/config"
	"github.com/Napageneral/msgarchive/internal/conversation"
	"github.com/Napageneral/msgarchive/internal/logging"
)

// chatSummary is one row of the chats listing.
type chatSummary struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Identifier   string    `json:"identifier"`
	Kind         string    `json:"kind"`
	FromMe       int       `json:"from_me"`
	FromOthers   int       `json:"from_others"`
	Participants []string  `json:"participants"`
	Latest       time.Time `json:"latest"`
}

func newChatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List conversations with message counts",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool          `json:"ok"`
				Message string        `json:"message,omitempty"`
				Chats   []chatSummary `json:"chats,omitempty"`
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				result := Result{OK: false, Message: fmt.Sprintf("Failed to load config: %v", err)}
				fail(result, result.Message)
			}
			defer logger.Sync()

			if cmd.Flags().Changed("database-path") {
				cfg.Source.ChatDB, _ = cmd.Flags().GetString("database-path")
			}
			if cmd.Flags().Changed("contacts-file") {
				cfg.Contacts.File, _ = cmd.Flags().GetString("contacts-file")
				cfg.Contacts.Command = ""
			}
			filters, _ := cmd.Flags().GetStringArray("chat")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			chats, err := listChats(ctx, cfg, filters, logger)
			if err != nil {
				result := Result{OK: false, Message: err.Error()}
				fail(result, result.Message)
			}

			if jsonOutput {
				printJSON(Result{OK: true, Chats: chats})
				return
			}
			if len(chats) == 0 {
				fmt.Println("No chats found")
				return
			}
			for _, c := range chats {
				fmt.Printf("%s (%s)\n", c.Name, c.Kind)
				fmt.Printf("  Messages: %s from me, %s from others\n", humanize.Comma(int64(c.FromMe)), humanize.Comma(int64(c.FromOthers)))
				if len(c.Participants) > 0 {
					fmt.Printf("  Participants: %s\n", strings.Join(c.Participants, ", "))
				}
				fmt.Printf("  Latest: %s\n", humanize.Time(c.Latest))
			}
			fmt.Printf("\n%s chats\n", humanize.Comma(int64(len(chats))))
		},
	}
	cmd.Flags().StringArray("chat", nil, "Only list chats whose name contains this text (repeatable)")
	cmd.Flags().String("database-path", "", "Path to chat.db (default from config)")
	cmd.Flags().String("contacts-file", "", "JSON file with contacts")
	return cmd
}

// listChats assembles the selected chats and counts messages per side.
// Chats without messages are not listed.
func listChats(ctx context.Context, cfg *config.Config, filters []string, logger *zap.Logger) ([]chatSummary, error) {
	logger = logging.OrNop(logger)
	p, err := openPipeline(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	archive, err := p.assemble(ctx, conversation.Options{ChatFilters: filters}, logger)
	if err != nil {
		return nil, err
	}

	out := make([]chatSummary, 0, len(archive.Chats))
	for i, c := range archive.Chats {
		s := chatSummary{
			ID:           c.ID,
			Name:         c.DisplayName,
			Identifier:   c.Identifier,
			Kind:         c.Kind.String(),
			Participants: c.Members,
			Latest:       archive.Index[i].Latest,
		}
		for _, m := range c.Messages {
			if m.FromMe {
				s.FromMe++
			} else {
				s.FromOthers++
			}
		}
		out = append(out, s)
	}
	return out, nil
}
