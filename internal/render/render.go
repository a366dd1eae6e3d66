// Package render writes an assembled archive as static HTML: one document per
// chat, copied attachments and a searchable index. Output depends only on the
// archive and options, so repeated runs produce identical bytes.
package render

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/msgarchive/internal/conversation"
)

// ErrPartial reports that some chats could not be written.
var ErrPartial = errors.New("some chats failed to render")

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").ParseFS(templateFS, "templates/*.tmpl"))

// DefaultWorkers bounds concurrent chat rendering when Options.Workers is unset.
const DefaultWorkers = 4

// Options configures a Renderer.
type Options struct {
	Workers         int
	Location        *time.Location
	CopyAttachments bool
	Logger          *zap.Logger
}

// Renderer turns an Archive into files.
type Renderer struct {
	opts Options
	log  *zap.Logger
}

// New returns a Renderer; zero options get defaults (local time, DefaultWorkers).
// It takes no resolver: messages and reactions arrive with sender labels
// already resolved by the assembler.
func New(opts Options) *Renderer {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Renderer{opts: opts, log: log}
}

// ChatFailure records a chat whose document could not be written.
type ChatFailure struct {
	ChatID int64
	Name   string
	Path   string
	Err    error
}

// Result describes what a Render call wrote. Paths are relative to the output directory.
type Result struct {
	Index              string
	Written            []string
	Failed             []ChatFailure
	AttachmentsCopied  int
	AttachmentsMissing int
}

// Render writes every chat and then the index. A failed chat is left out of
// the index and reported in Result.Failed; the returned error wraps ErrPartial
// when at least one other chat was written.
func (r *Renderer) Render(ctx context.Context, archive *conversation.Archive, outDir string) (Result, error) {
	var res Result
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return res, fmt.Errorf("create output directory: %w", err)
	}

	docs := planDocuments(archive.Chats)
	errs := make([]error, len(archive.Chats))
	done := make([]bool, len(archive.Chats))
	var copied, missing atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(r.opts.Workers)
	for i, c := range archive.Chats {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			st, err := r.renderChat(c, outDir, docs[c.ID])
			copied.Add(int64(st.copied))
			missing.Add(int64(st.missing))
			errs[i] = err
			done[i] = err == nil
			return nil
		})
	}
	g.Wait()
	res.AttachmentsCopied = int(copied.Load())
	res.AttachmentsMissing = int(missing.Load())

	if err := ctx.Err(); err != nil {
		for i, c := range archive.Chats {
			if done[i] {
				res.Written = append(res.Written, docs[c.ID])
			}
		}
		return res, err
	}

	written := make(map[int64]string, len(archive.Chats))
	for i, c := range archive.Chats {
		if errs[i] != nil {
			r.log.Error("chat not written", zap.String("chat", c.DisplayName), zap.String("path", docs[c.ID]), zap.Error(errs[i]))
			res.Failed = append(res.Failed, ChatFailure{ChatID: c.ID, Name: c.DisplayName, Path: docs[c.ID], Err: errs[i]})
			continue
		}
		written[c.ID] = docs[c.ID]
		res.Written = append(res.Written, docs[c.ID])
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "index.html.tmpl", r.indexPage(archive.Index, written)); err != nil {
		return res, fmt.Errorf("render index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(outDir, indexFile), buf.Bytes()); err != nil {
		return res, fmt.Errorf("write index: %w", err)
	}
	res.Index = indexFile

	if len(res.Failed) > 0 {
		if len(res.Written) == 0 {
			return res, fmt.Errorf("all %d chats failed to render: %w", len(res.Failed), res.Failed[0].Err)
		}
		return res, fmt.Errorf("%w: %d of %d", ErrPartial, len(res.Failed), len(archive.Chats))
	}
	return res, nil
}

type chatStats struct {
	copied  int
	missing int
}

func (r *Renderer) renderChat(c *conversation.Chat, outDir, rel string) (chatStats, error) {
	var st chatStats
	atts := make(map[string][]attachmentView)
	for _, m := range c.Messages {
		if len(m.Attachments) == 0 {
			continue
		}
		views, s, err := r.attachments(m, outDir)
		st.copied += s.copied
		st.missing += s.missing
		if err != nil {
			return st, err
		}
		atts[m.GUID] = views
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "chat.html.tmpl", r.chatPage(c, atts)); err != nil {
		return st, fmt.Errorf("execute template: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(outDir, filepath.FromSlash(rel)), buf.Bytes()); err != nil {
		return st, err
	}
	return st, nil
}

// attachments copies (or references) a message's files. A missing source
// file is logged and rendered as a placeholder; a failed write is an error.
func (r *Renderer) attachments(m conversation.Message, outDir string) ([]attachmentView, chatStats, error) {
	var st chatStats
	names := attachmentNames(m.Attachments)
	views := make([]attachmentView, 0, len(m.Attachments))
	for i, a := range m.Attachments {
		v := attachmentView{
			Media: a.Media.String(),
			Name:  a.Name,
			Icon:  fileIcon(a.Name),
			Size:  sizeLabel(a.Size),
		}
		if v.Name == "" {
			v.Name = names[i]
		}

		info, err := os.Stat(a.SourcePath)
		if err != nil || info.IsDir() {
			st.missing++
			r.log.Warn("attachment not found", zap.String("message", m.GUID), zap.String("path", a.SourcePath))
			v.Missing = true
			views = append(views, v)
			continue
		}

		if !r.opts.CopyAttachments {
			v.Href = fileHref(a.SourcePath)
			views = append(views, v)
			continue
		}
		rel := attachmentPath(m.GUID, names[i])
		if err := copyFileAtomic(a.SourcePath, filepath.Join(outDir, filepath.FromSlash(rel))); err != nil {
			return nil, st, fmt.Errorf("copy attachment %s: %w", a.Name, err)
		}
		st.copied++
		v.Href = relHref("..", rel)
		views = append(views, v)
	}
	return views, st, nil
}
