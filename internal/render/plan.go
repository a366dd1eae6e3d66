package render

import (
	"fmt"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Napageneral/msgarchive/internal/conversation"
)

const (
	indexFile      = "index.html"
	groupsDir      = "groups"
	directDir      = "direct"
	attachmentsDir = "attachments"
	directPrefix   = "Direct - "

	// Leaves room for a collision suffix and the extension under the usual 255 byte limit.
	maxNameBytes = 200
)

// sanitizeName makes a display name safe to use as a single path element.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteByte('_')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), " .")
	if len(s) > maxNameBytes {
		cut := maxNameBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = strings.TrimRight(s[:cut], " .")
	}
	return s
}

// planner hands out unique relative paths. Uniqueness is case-insensitive so
// archives survive case-insensitive filesystems.
type planner struct {
	taken map[string]bool
}

func newPlanner() *planner {
	return &planner{taken: map[string]bool{}}
}

// claim returns dir/base+ext, adding " (2)", " (3)", ... on collision.
func (p *planner) claim(dir, base, ext string) string {
	for n := 1; ; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s (%d)", base, n)
		}
		rel := path.Join(dir, name+ext)
		key := strings.ToLower(rel)
		if !p.taken[key] {
			p.taken[key] = true
			return rel
		}
	}
}

// planDocuments assigns every chat its document path. Called once, in archive
// order, so the outcome is deterministic.
func planDocuments(chats []*conversation.Chat) map[int64]string {
	p := newPlanner()
	p.taken[indexFile] = true
	out := make(map[int64]string, len(chats))
	for _, c := range chats {
		base := sanitizeName(c.DisplayName)
		if base == "" {
			base = fmt.Sprintf("chat-%d", c.ID)
		}
		if c.Kind == conversation.Group {
			out[c.ID] = p.claim(groupsDir, base, ".html")
		} else {
			out[c.ID] = p.claim(directDir, directPrefix+base, ".html")
		}
	}
	return out
}

// attachmentPath is the archive-relative location of an attachment copy.
func attachmentPath(messageGUID, fileName string) string {
	return path.Join(attachmentsDir, sanitizeName(messageGUID), fileName)
}

// attachmentNames gives each attachment of a message a distinct file name.
func attachmentNames(atts []conversation.Attachment) []string {
	p := newPlanner()
	out := make([]string, len(atts))
	for i, a := range atts {
		name := sanitizeName(a.Name)
		if name == "" {
			name = sanitizeName(a.GUID)
		}
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}
		ext := path.Ext(name)
		out[i] = p.claim("", strings.TrimSuffix(name, ext), ext)
	}
	return out
}
