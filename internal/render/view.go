package render

import (
	"html/template"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Napageneral/msgarchive/internal/conversation"
	"github.com/Napageneral/msgarchive/internal/source"
)

var glyphs = map[source.ReactionKind]string{
	source.ReactionLove:      "🩷",
	source.ReactionLike:      "👍",
	source.ReactionDislike:   "👎",
	source.ReactionLaugh:     "😂",
	source.ReactionEmphasize: "‼️",
	source.ReactionQuestion:  "❓",
}

// Glyph returns the icon shown for a reaction kind.
func Glyph(k source.ReactionKind) string {
	if g, ok := glyphs[k]; ok {
		return g
	}
	return "•"
}

func fileIcon(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return "📄"
	case ".mp4", ".mov", ".avi":
		return "🎥"
	case ".mp3", ".m4a", ".wav":
		return "🎵"
	case ".zip", ".tar", ".gz":
		return "📦"
	case ".doc", ".docx":
		return "📝"
	}
	return "📎"
}

const (
	dayLayout    = "January 02, 2006"
	clockLayout  = "03:04 PM"
	latestLayout = "Jan 02, 2006"
)

type chatPage struct {
	Title        string
	Group        bool
	Participants []string
	Summary      string
	Items        []messageView
}

type messageView struct {
	Day          string
	Class        string
	Sender       string
	Unattributed bool
	Text         string
	Time         string
	Attachments  []attachmentView
	Reactions    []reactionView
}

type attachmentView struct {
	Media   string
	Href    template.URL
	Name    string
	Icon    string
	Size    string
	Missing bool
}

type reactionView struct {
	Glyph  string
	Kind   string
	Sender string
}

type indexPage struct {
	Title   string
	Total   string
	Groups  []indexItem
	Directs []indexItem
}

type indexItem struct {
	Href    template.URL
	Name    string
	Members string
	Search  string
	Count   string
	Latest  string
}

// relHref builds a relative URL from slash-separated path elements.
func relHref(elems ...string) template.URL {
	parts := make([]string, 0, len(elems))
	for _, e := range elems {
		for _, seg := range strings.Split(e, "/") {
			if seg == ".." {
				parts = append(parts, seg)
				continue
			}
			parts = append(parts, url.PathEscape(seg))
		}
	}
	return template.URL(strings.Join(parts, "/"))
}

func fileHref(p string) template.URL {
	u := url.URL{Scheme: "file", Path: p}
	return template.URL(u.String())
}

func countLabel(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return humanize.Comma(int64(n)) + " " + noun + "s"
}

func sizeLabel(n int64) string {
	if n <= 0 {
		return ""
	}
	return humanize.Bytes(uint64(n))
}

func reactionViews(rs []conversation.Reaction) []reactionView {
	out := make([]reactionView, 0, len(rs))
	for _, r := range rs {
		out = append(out, reactionView{Glyph: Glyph(r.Kind), Kind: r.Kind.String(), Sender: r.Sender})
	}
	return out
}

func participantList(c *conversation.Chat) []string {
	if len(c.Members) > 0 {
		return c.Members
	}
	seen := map[string]bool{}
	var out []string
	for _, m := range c.Messages {
		if m.FromMe || seen[m.Sender] {
			continue
		}
		seen[m.Sender] = true
		out = append(out, m.Sender)
	}
	return out
}

func (r *Renderer) chatPage(c *conversation.Chat, atts map[string][]attachmentView) chatPage {
	page := chatPage{
		Title:   c.DisplayName,
		Group:   c.Kind == conversation.Group,
		Summary: countLabel(len(c.Messages), "message"),
	}
	if page.Group {
		page.Participants = participantList(c)
	}

	lastDay := ""
	for _, m := range c.Messages {
		ts := m.Timestamp.In(r.opts.Location)
		v := messageView{
			Class:        "from-others",
			Sender:       m.Sender,
			Unattributed: m.Unattributed,
			Text:         m.Text,
			Time:         ts.Format(clockLayout),
			Attachments:  atts[m.GUID],
			Reactions:    reactionViews(m.Reactions),
		}
		if m.FromMe {
			v.Class = "from-me"
		}
		if day := ts.Format(dayLayout); day != lastDay {
			v.Day = day
			lastDay = day
		}
		page.Items = append(page.Items, v)
	}
	return page
}

func (r *Renderer) indexPage(entries []conversation.IndexEntry, docs map[int64]string) indexPage {
	page := indexPage{Title: "Messages Archive"}
	for _, e := range entries {
		rel, ok := docs[e.ChatID]
		if !ok {
			continue
		}
		members := strings.Join(e.Senders, ", ")
		item := indexItem{
			Href:    relHref(rel),
			Name:    e.DisplayName,
			Members: members,
			Search:  strings.ToLower(strings.Join(append([]string{e.DisplayName, e.Identifier, members}, e.Participants...), " ")),
			Count:   countLabel(e.MessageCount, "message"),
			Latest:  formatLatest(e.Latest, r.opts.Location),
		}
		if e.Kind == conversation.Group {
			page.Groups = append(page.Groups, item)
		} else {
			page.Directs = append(page.Directs, item)
		}
	}
	page.Total = countLabel(len(page.Groups)+len(page.Directs), "chat")
	return page
}

func formatLatest(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format(latestLayout)
}
