package conversation

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/Napageneral/msgarchive/internal/identify"
	"github.com/Napageneral/msgarchive/internal/source"
)

// Source is the read side of a Messages store.
type Source interface {
	Chats(ctx context.Context) ([]source.ChatRow, error)
	Messages(ctx context.Context, chatID int64, iv source.Interval) iter.Seq2[source.MessageRow, error]
	Attachments(ctx context.Context, messageGUID string) ([]source.AttachmentRow, error)
	Reactions(ctx context.Context, chatID int64) ([]source.ReactionRow, error)
}

// Options selects what to assemble.
type Options struct {
	// ChatFilters are case-insensitive substrings matched against the display
	// name and raw identifier. Empty selects every chat; several are unioned.
	ChatFilters []string
	Interval    source.Interval
}

// Assembler builds an Archive from a Source.
type Assembler struct {
	src      Source
	resolver *identify.Resolver
	log      *zap.Logger
}

// NewAssembler wires an assembler. A nil resolver labels every handle by its raw identifier.
func NewAssembler(src Source, resolver *identify.Resolver, logger *zap.Logger) *Assembler {
	if resolver == nil {
		resolver = identify.NewResolver(nil, nil, identify.Options{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{src: src, resolver: resolver, log: logger}
}

// Assemble reads the selected chats and returns them in index order. Only a
// store failure is returned as an error; bad rows and dangling reactions are
// logged and counted.
func (a *Assembler) Assemble(ctx context.Context, opts Options) (*Archive, error) {
	rows, err := a.src.Chats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	fold := cases.Fold()
	var filters []string
	for _, f := range opts.ChatFilters {
		if f = strings.TrimSpace(f); f != "" {
			filters = append(filters, fold.String(f))
		}
	}

	archive := &Archive{}
	archive.Report.ChatsTotal = len(rows)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chat := a.newChat(row)
		if !selected(filters, fold.String(chat.DisplayName), fold.String(chat.Identifier)) {
			continue
		}
		archive.Report.ChatsSelected++

		if err := a.fill(ctx, chat, opts.Interval, &archive.Report); err != nil {
			return nil, fmt.Errorf("chat %q: %w", chat.DisplayName, err)
		}
		if len(chat.Messages) == 0 {
			a.log.Debug("no messages in range", zap.Int64("chat_id", chat.ID), zap.String("chat", chat.DisplayName))
			continue
		}
		archive.Chats = append(archive.Chats, chat)
	}

	slices.SortFunc(archive.Chats, func(x, y *Chat) int {
		return cmp.Or(
			cmp.Compare(fold.String(sortKey(x)), fold.String(sortKey(y))),
			cmp.Compare(x.ID, y.ID),
		)
	})
	for _, c := range archive.Chats {
		archive.Index = append(archive.Index, indexEntry(c))
	}
	archive.Report.ChatsEmitted = len(archive.Chats)
	return archive, nil
}

func selected(filters []string, name, identifier string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.Contains(name, f) || strings.Contains(identifier, f) {
			return true
		}
	}
	return false
}

func sortKey(c *Chat) string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Identifier
}

// newChat resolves a chat's members and display name once.
func (a *Assembler) newChat(row source.ChatRow) *Chat {
	c := &Chat{
		ID:           row.ID,
		GUID:         row.GUID,
		Identifier:   row.Identifier,
		Label:        row.DisplayName,
		MemberIDs:    row.MemberIDs,
		Participants: row.Participants,
	}
	for i, id := range row.MemberIDs {
		label := a.resolver.Label(id)
		if label == "" && i < len(row.Participants) {
			label = row.Participants[i]
		}
		c.Members = append(c.Members, label)
	}

	switch {
	case c.Label != "":
		c.DisplayName = c.Label
	case len(c.Members) == 1:
		c.DisplayName = c.Members[0]
	case len(c.Members) > 1:
		c.DisplayName = strings.Join(c.Members, ", ")
	default:
		if name, ok := a.resolver.ResolveIdentifier(c.Identifier); ok {
			c.DisplayName = name
		} else {
			c.DisplayName = c.Identifier
		}
	}
	if c.DisplayName == "" {
		c.DisplayName = c.GUID
	}

	if len(c.MemberIDs) <= 1 && c.Label == "" {
		c.Kind = Direct
	} else {
		c.Kind = Group
	}
	return c
}

func (a *Assembler) sender(fromMe bool, handleID int64) string {
	if fromMe {
		return SelfLabel
	}
	if label := a.resolver.Label(handleID); label != "" {
		return label
	}
	return UnknownLabel
}

func (a *Assembler) fill(ctx context.Context, c *Chat, iv source.Interval, rep *Report) error {
	// Attachments are read after the scan so the message cursor is not held open.
	withFiles := map[string]bool{}
	for row, err := range a.src.Messages(ctx, c.ID, iv) {
		if err != nil {
			return err
		}
		m := Message{
			GUID:      row.GUID,
			ChatID:    c.ID,
			HandleID:  row.HandleID,
			FromMe:    row.IsFromMe,
			Sender:    a.sender(row.IsFromMe, row.HandleID),
			Timestamp: row.Timestamp,
			Text:      row.Text,
		}
		// No handle, or a handle row the store could not supply.
		if !row.IsFromMe && a.resolver.Label(row.HandleID) == "" {
			m.Unattributed = true
			c.Unattributed++
		}
		if row.HasAttachments {
			withFiles[row.GUID] = true
		}
		c.Messages = append(c.Messages, m)
	}
	if len(c.Messages) == 0 {
		return nil
	}

	slices.SortFunc(c.Messages, func(x, y Message) int {
		return cmp.Or(x.Timestamp.Compare(y.Timestamp), cmp.Compare(x.GUID, y.GUID))
	})

	for i := range c.Messages {
		m := &c.Messages[i]
		if !withFiles[m.GUID] {
			continue
		}
		rows, err := a.src.Attachments(ctx, m.GUID)
		if err != nil {
			return err
		}
		for _, r := range rows {
			m.Attachments = append(m.Attachments, Attachment{
				GUID:       r.GUID,
				Name:       r.Name,
				MimeType:   r.MimeType,
				Size:       r.TotalBytes,
				SourcePath: r.SourcePath,
				Media:      MediaKindOf(r.Name, r.MimeType),
			})
		}
		rep.Attachments += len(m.Attachments)
	}

	if err := a.attachReactions(ctx, c, rep); err != nil {
		return err
	}

	if c.Unattributed > 0 {
		a.log.Warn("messages without a sender",
			zap.String("chat", c.DisplayName), zap.Int("count", c.Unattributed))
	}
	rep.Messages += len(c.Messages)
	rep.Unattributed += c.Unattributed
	return nil
}

type senderKey struct {
	fromMe bool
	handle int64
}

// attachReactions applies reaction rows in read order. A sender has at most
// one live reaction per message: a new reaction replaces it and a removal
// withdraws it.
func (a *Assembler) attachReactions(ctx context.Context, c *Chat, rep *Report) error {
	rows, err := a.src.Reactions(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	byGUID := make(map[string]int, len(c.Messages))
	for i, m := range c.Messages {
		byGUID[m.GUID] = i
	}

	dropped := 0
	for _, r := range rows {
		i, ok := byGUID[r.TargetGUID]
		if !ok {
			dropped++
			a.log.Debug("dropping reaction with no target",
				zap.String("chat", c.DisplayName), zap.String("reaction", r.GUID), zap.String("target", r.TargetGUID))
			continue
		}
		m := &c.Messages[i]
		who := senderKey{fromMe: r.IsFromMe, handle: r.HandleID}
		if r.IsFromMe {
			who.handle = 0
		}

		before := len(m.Reactions)
		m.Reactions = slices.DeleteFunc(m.Reactions, func(x Reaction) bool {
			return (senderKey{fromMe: x.FromMe, handle: x.HandleID}) == who
		})
		rep.ReactionsRemoved += before - len(m.Reactions)
		if r.Action == source.ReactionRemoved {
			continue
		}
		m.Reactions = append(m.Reactions, Reaction{
			Kind:      r.Kind,
			Target:    r.TargetGUID,
			HandleID:  who.handle,
			FromMe:    r.IsFromMe,
			Sender:    a.sender(r.IsFromMe, r.HandleID),
			Timestamp: r.Timestamp,
		})
	}

	for _, m := range c.Messages {
		rep.ReactionsAttached += len(m.Reactions)
	}
	rep.ReactionsDropped += dropped
	if dropped > 0 {
		a.log.Info("dropped dangling reactions", zap.String("chat", c.DisplayName), zap.Int("count", dropped))
	}
	return nil
}

func indexEntry(c *Chat) IndexEntry {
	e := IndexEntry{
		ChatID:       c.ID,
		DisplayName:  c.DisplayName,
		Identifier:   c.Identifier,
		Kind:         c.Kind,
		Participants: c.Participants,
		MessageCount: len(c.Messages),
	}
	if n := len(c.Messages); n > 0 {
		e.Latest = c.Messages[n-1].Timestamp
	}
	seen := map[string]bool{}
	for _, m := range c.Messages {
		if m.FromMe || seen[m.Sender] {
			continue
		}
		seen[m.Sender] = true
		e.Senders = append(e.Senders, m.Sender)
	}
	slices.Sort(e.Senders)
	return e
}
