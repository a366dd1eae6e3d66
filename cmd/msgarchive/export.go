package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Napageneral/msgarchive/internal/config"
	"github.com/Napageneral/msgarchive/internal/contacts"
	"github.com/Napageneral/msgarchive/internal/conversation"
	"github.com/Napageneral/msgarchive/internal/db"
	"github.com/Napageneral/msgarchive/internal/identify"
	"github.com/Napageneral/msgarchive/internal/logging"
	"github.com/Napageneral/msgarchive/internal/metrics"
	"github.com/Napageneral/msgarchive/internal/render"
	"github.com/Napageneral/msgarchive/internal/runlog"
	"github.com/Napageneral/msgarchive/internal/source"
)

const dateLayout = "2006-01-02"

// exportRequest is the selection an export applies on top of the config.
type exportRequest struct {
	ChatFilters []string
	Interval    source.Interval
	MetricsFile string
}

// exportSummary is what an export reports back to the user.
type exportSummary struct {
	RunID              string   `json:"run_id,omitempty"`
	ChatDB             string   `json:"chat_db"`
	OutputDir          string   `json:"output_dir"`
	Index              string   `json:"index,omitempty"`
	Contacts           int      `json:"contacts"`
	HandlesResolved    int      `json:"handles_resolved"`
	ChatsSelected      int      `json:"chats_selected"`
	ChatsWritten       int      `json:"chats_written"`
	ChatsFailed        []string `json:"chats_failed,omitempty"`
	Messages           int      `json:"messages"`
	Unattributed       int      `json:"unattributed"`
	ReactionsAttached  int      `json:"reactions_attached"`
	ReactionsDropped   int      `json:"reactions_dropped"`
	AttachmentsCopied  int      `json:"attachments_copied"`
	AttachmentsMissing int      `json:"attachments_missing"`
	RowsSkipped        int64    `json:"rows_skipped"`
	Duration           string   `json:"duration"`
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export conversations to an HTML archive",
		Long: `Export reads the Messages database, resolves senders against your
contacts and writes one page per conversation plus index.html.

Exit status is 0 on success, 2 when some conversations could not be
written, and 1 when the export failed.`,
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool           `json:"ok"`
				Partial bool           `json:"partial,omitempty"`
				Message string         `json:"message,omitempty"`
				Export  *exportSummary `json:"export,omitempty"`
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				result := Result{OK: false, Message: fmt.Sprintf("Failed to load config: %v", err)}
				fail(result, result.Message)
			}
			defer logger.Sync()

			req, err := applyExportFlags(cmd, cfg)
			if err != nil {
				result := Result{OK: false, Message: err.Error()}
				fail(result, result.Message)
			}
			if err := cfg.Validate(); err != nil {
				result := Result{OK: false, Message: fmt.Sprintf("Invalid configuration: %v", err)}
				fail(result, result.Message)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := runExport(ctx, cfg, req, logger)
			code := exitCode(err)
			result := Result{OK: err == nil, Partial: code == exitPartial, Export: &summary}
			if err != nil {
				result.Message = err.Error()
			}

			if jsonOutput {
				printJSON(result)
			} else {
				printExportSummary(summary)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", result.Message)
				}
			}
			if code != exitOK {
				logger.Sync()
				os.Exit(code)
			}
		},
	}

	cmd.Flags().StringArray("chat", nil, "Only export chats whose name contains this text (repeatable)")
	cmd.Flags().String("start-date", "", "Only include messages on or after this date (YYYY-MM-DD)")
	cmd.Flags().String("end-date", "", "Only include messages before this date (YYYY-MM-DD)")
	cmd.Flags().String("database-path", "", "Path to chat.db (default from config)")
	cmd.Flags().StringP("output-directory", "o", "", "Directory to write the archive to")
	cmd.Flags().String("contacts-cmd", "", "Command that prints contacts as JSON")
	cmd.Flags().String("contacts-file", "", "JSON file with contacts, instead of --contacts-cmd")
	cmd.Flags().Duration("contacts-timeout", 0, "How long to wait for the contacts command")
	cmd.Flags().Int("workers", 0, "Chats rendered in parallel")
	cmd.Flags().Int("min-phone-suffix", 0, "Shortest shared digit suffix for a phone match")
	cmd.Flags().Bool("no-attachments", false, "Link attachments in place instead of copying them")
	cmd.Flags().String("metrics-file", "", "Write run metrics to this file (Prometheus text format)")
	return cmd
}

// applyExportFlags overlays explicitly set flags onto cfg and parses the selection.
func applyExportFlags(cmd *cobra.Command, cfg *config.Config) (exportRequest, error) {
	var req exportRequest
	flags := cmd.Flags()

	if flags.Changed("database-path") {
		cfg.Source.ChatDB, _ = flags.GetString("database-path")
	}
	if flags.Changed("output-directory") {
		cfg.Render.OutputDir, _ = flags.GetString("output-directory")
	}
	// A flag for one provider replaces a configured provider of the other kind.
	if flags.Changed("contacts-cmd") {
		cfg.Contacts.Command, _ = flags.GetString("contacts-cmd")
		if !flags.Changed("contacts-file") {
			cfg.Contacts.File = ""
		}
	}
	if flags.Changed("contacts-file") {
		cfg.Contacts.File, _ = flags.GetString("contacts-file")
		if !flags.Changed("contacts-cmd") {
			cfg.Contacts.Command = ""
		}
	}
	if flags.Changed("contacts-timeout") {
		cfg.Contacts.Timeout, _ = flags.GetDuration("contacts-timeout")
	}
	if flags.Changed("workers") {
		cfg.Render.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("min-phone-suffix") {
		cfg.Resolver.MinPhoneSuffix, _ = flags.GetInt("min-phone-suffix")
	}
	if noAttachments, _ := flags.GetBool("no-attachments"); noAttachments {
		copyAttachments := false
		cfg.Render.CopyAttachments = &copyAttachments
	}

	req.ChatFilters, _ = flags.GetStringArray("chat")
	req.MetricsFile, _ = flags.GetString("metrics-file")

	loc, err := cfg.Location()
	if err != nil {
		return req, err
	}
	start, _ := flags.GetString("start-date")
	end, _ := flags.GetString("end-date")
	req.Interval, err = parseInterval(start, end, loc)
	if err != nil {
		return req, err
	}
	return req, nil
}

// parseInterval turns YYYY-MM-DD bounds into a half-open interval starting
// at local midnight. Either bound may be empty.
func parseInterval(start, end string, loc *time.Location) (source.Interval, error) {
	var iv source.Interval
	if start != "" {
		t, err := time.ParseInLocation(dateLayout, start, loc)
		if err != nil {
			return iv, fmt.Errorf("invalid --start-date %q (want YYYY-MM-DD)", start)
		}
		iv.Start = t
	}
	if end != "" {
		t, err := time.ParseInLocation(dateLayout, end, loc)
		if err != nil {
			return iv, fmt.Errorf("invalid --end-date %q (want YYYY-MM-DD)", end)
		}
		iv.End = t
	}
	if !iv.Start.IsZero() && !iv.End.IsZero() && !iv.End.After(iv.Start) {
		return iv, fmt.Errorf("--end-date %s must be after --start-date %s", end, start)
	}
	return iv, nil
}

// contactsProvider picks the configured provider, or nil when none is set.
func contactsProvider(cfg *config.Config) contacts.Provider {
	switch {
	case cfg.Contacts.File != "":
		return contacts.FileProvider{Path: cfg.Contacts.File}
	case cfg.Contacts.Command != "":
		return contacts.CommandProvider{
			Command: cfg.Contacts.Command,
			Args:    cfg.Contacts.Args,
			Timeout: cfg.Contacts.Timeout,
		}
	default:
		return nil
	}
}

// pipeline holds the opened store and the resolver built over its handles.
type pipeline struct {
	store    *source.Store
	resolver *identify.Resolver
	contacts int
}

// openPipeline opens the store read-only and resolves every handle against
// the contact provider. Only a store failure is returned.
func openPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pipeline, error) {
	store, err := source.Open(ctx, cfg.Source.ChatDB, source.Options{
		HomeDir: cfg.Source.HomeDir,
		Logger:  logging.Component(logger, "source"),
	})
	if err != nil {
		return nil, err
	}
	handles, err := store.Handles(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}

	list := contacts.Load(ctx, contactsProvider(cfg), logger)
	resolver := identify.NewResolver(list, handles, identify.Options{MinPhoneSuffix: cfg.Resolver.MinPhoneSuffix})
	logger.Info("handles resolved",
		zap.Int("handles", len(handles)),
		zap.Int("resolved", resolver.Resolved()),
		zap.Int("min_phone_suffix", resolver.MinPhoneSuffix()))

	return &pipeline{store: store, resolver: resolver, contacts: len(list)}, nil
}

func (p *pipeline) Close() error { return p.store.Close() }

func (p *pipeline) assemble(ctx context.Context, opts conversation.Options, logger *zap.Logger) (*conversation.Archive, error) {
	return conversation.NewAssembler(p.store, p.resolver, logging.Component(logger, "assemble")).Assemble(ctx, opts)
}

// runExport runs one export. The error is nil on success, wraps
// render.ErrPartial when some chats could not be written, and is anything
// else on failure. Ledger and metrics problems are logged, never returned.
func runExport(ctx context.Context, cfg *config.Config, req exportRequest, logger *zap.Logger) (exportSummary, error) {
	logger = logging.OrNop(logger)
	started := time.Now()

	outDir, err := filepath.Abs(cfg.Render.OutputDir)
	if err != nil {
		return exportSummary{}, fmt.Errorf("resolve output directory: %w", err)
	}
	summary := exportSummary{ChatDB: cfg.Source.ChatDB, OutputDir: outDir}
	m := metrics.New()

	ledger := openLedger(logger)
	if ledger != nil {
		defer ledger.Close()
		if id, err := runlog.Start(ledger, cfg.Source.ChatDB, outDir); err != nil {
			logger.Warn("run not recorded", zap.Error(err))
		} else {
			summary.RunID = id
		}
	}

	var outcome runlog.Outcome
	finish := func(err error) {
		finished := time.Now()
		summary.Duration = finished.Sub(started).Round(time.Millisecond).String()

		outcome.Err = err
		switch {
		case err == nil:
			outcome.Status = runlog.StatusSuccess
		case errors.Is(err, render.ErrPartial):
			outcome.Status = runlog.StatusPartial
		default:
			outcome.Status = runlog.StatusFailed
		}

		m.Finish(started, finished, err == nil)
		if req.MetricsFile != "" {
			if werr := m.WriteFile(req.MetricsFile); werr != nil {
				logger.Warn("metrics not written", zap.String("path", req.MetricsFile), zap.Error(werr))
			}
		}
		if ledger != nil && summary.RunID != "" {
			if ferr := runlog.Finish(ledger, summary.RunID, outcome); ferr != nil {
				logger.Warn("run outcome not recorded", zap.Error(ferr))
			}
			if outcome.Status != runlog.StatusFailed {
				if serr := runlog.SetState(ledger, outDir, runlog.KeyLastRun, summary.RunID); serr != nil {
					logger.Warn("export state not recorded", zap.Error(serr))
				}
				if serr := runlog.SetState(ledger, outDir, runlog.KeyLastChatDB, cfg.Source.ChatDB); serr != nil {
					logger.Warn("export state not recorded", zap.Error(serr))
				}
			}
		}
	}

	p, err := openPipeline(ctx, cfg, logger)
	if err != nil {
		finish(err)
		return summary, err
	}
	defer p.Close()
	summary.Contacts = p.contacts
	summary.HandlesResolved = p.resolver.Resolved()
	m.ContactsLoaded.Set(float64(p.contacts))
	m.HandlesResolved.Set(float64(p.resolver.Resolved()))

	archive, err := p.assemble(ctx, conversation.Options{ChatFilters: req.ChatFilters, Interval: req.Interval}, logger)
	if err != nil {
		m.ObserveSource(p.store.Stats())
		finish(err)
		return summary, err
	}
	rep := archive.Report
	m.ObserveAssembly(rep)
	summary.ChatsSelected = rep.ChatsSelected
	summary.Messages = rep.Messages
	summary.Unattributed = rep.Unattributed
	summary.ReactionsAttached = rep.ReactionsAttached
	summary.ReactionsDropped = rep.ReactionsDropped
	outcome.ChatsSelected = rep.ChatsSelected
	outcome.Messages = rep.Messages
	outcome.ReactionsDropped = rep.ReactionsDropped

	loc, err := cfg.Location()
	if err != nil {
		finish(err)
		return summary, err
	}
	renderer := render.New(render.Options{
		Workers:         cfg.Render.Workers,
		Location:        loc,
		CopyAttachments: cfg.ShouldCopyAttachments(),
		Logger:          logging.Component(logger, "render"),
	})
	res, err := renderer.Render(ctx, archive, outDir)

	st := p.store.Stats()
	m.ObserveSource(st)
	m.ObserveRender(res)
	summary.RowsSkipped = st.SkippedMessages + st.SkippedReactions + st.SkippedAttachments + st.SkippedHandles
	summary.Index = res.Index
	summary.ChatsWritten = len(res.Written)
	summary.AttachmentsCopied = res.AttachmentsCopied
	summary.AttachmentsMissing = res.AttachmentsMissing
	for _, f := range res.Failed {
		summary.ChatsFailed = append(summary.ChatsFailed, f.Path)
	}
	outcome.ChatsRendered = len(res.Written)
	outcome.ChatsFailed = len(res.Failed)

	finish(err)
	if err != nil {
		return summary, err
	}
	logger.Info("export complete",
		zap.String("output", outDir),
		zap.Int("chats", summary.ChatsWritten),
		zap.Int("messages", summary.Messages),
		zap.String("duration", summary.Duration))
	return summary, nil
}

// openLedger opens the run ledger, or returns nil when it is unavailable.
func openLedger(logger *zap.Logger) *sql.DB {
	path, err := db.GetPath()
	if err != nil {
		logger.Warn("run ledger unavailable", zap.Error(err))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logger.Warn("run ledger unavailable", zap.Error(err))
		return nil
	}
	ledger, err := db.OpenPath(path)
	if err != nil {
		logger.Warn("run ledger unavailable", zap.String("path", path), zap.Error(err))
		return nil
	}
	return ledger
}

func printExportSummary(s exportSummary) {
	if s.Index != "" {
		fmt.Printf("✓ Archive written to %s\n", filepath.Join(s.OutputDir, s.Index))
	}
	fmt.Printf("  Chats:       %s of %s written\n", humanize.Comma(int64(s.ChatsWritten)), humanize.Comma(int64(s.ChatsSelected)))
	fmt.Printf("  Messages:    %s\n", humanize.Comma(int64(s.Messages)))
	fmt.Printf("  Reactions:   %s attached, %s dropped\n", humanize.Comma(int64(s.ReactionsAttached)), humanize.Comma(int64(s.ReactionsDropped)))
	fmt.Printf("  Attachments: %s copied, %s missing\n", humanize.Comma(int64(s.AttachmentsCopied)), humanize.Comma(int64(s.AttachmentsMissing)))
	fmt.Printf("  Contacts:    %s loaded, %s handles resolved\n", humanize.Comma(int64(s.Contacts)), humanize.Comma(int64(s.HandlesResolved)))
	if s.Unattributed > 0 {
		fmt.Printf("  Unattributed messages: %s\n", humanize.Comma(int64(s.Unattributed)))
	}
	if s.RowsSkipped > 0 {
		fmt.Printf("  Skipped rows: %s\n", humanize.Comma(s.RowsSkipped))
	}
	for _, path := range s.ChatsFailed {
		fmt.Printf("✗ %s\n", path)
	}
	if s.Duration != "" {
		fmt.Printf("  Duration:    %s\n", s.Duration)
	}
}
