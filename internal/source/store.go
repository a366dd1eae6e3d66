// Package source reads chats, messages, reactions and attachments from a
// local Messages store (chat.db). The store is opened read-only and is never
// modified.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Napageneral/msgarchive/internal/db"
)

// ErrDataSource marks a store that is missing, unreadable, or not a Messages database.
var ErrDataSource = errors.New("data source unavailable")

var requiredTables = []string{"handle", "chat", "message", "chat_message_join", "chat_handle_join"}

// Options configures how a store is opened.
type Options struct {
	// HomeDir expands "~" in attachment paths. Defaults to the user's home.
	HomeDir string
	Logger  *zap.Logger
}

// Stats counts rows skipped as malformed since the store was opened.
type Stats struct {
	SkippedMessages    int64
	SkippedReactions   int64
	SkippedAttachments int64
	SkippedHandles     int64
}

// Store is a read-only view of a Messages database.
type Store struct {
	conn    *sql.DB
	path    string
	homeDir string
	log     *zap.Logger

	msgCols        map[string]bool
	hasAttachments bool

	skippedMessages    atomic.Int64
	skippedReactions   atomic.Int64
	skippedAttachments atomic.Int64
	skippedHandles     atomic.Int64
}

// Open opens the store at path and checks that it looks like a Messages database.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataSource, err)
	}
	conn, err := db.OpenReadOnly(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataSource, err)
	}

	home := opts.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Store{conn: conn, path: abs, homeDir: home, log: log}
	if err := s.validate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) validate(ctx context.Context) error {
	rows, err := s.conn.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDataSource, s.path, err)
	}
	tables := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("%w: %v", ErrDataSource, err)
		}
		tables[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDataSource, err)
	}

	var missing []string
	for _, t := range requiredTables {
		if !tables[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s is not a Messages database (missing tables: %s)", ErrDataSource, s.path, strings.Join(missing, ", "))
	}
	s.hasAttachments = tables["attachment"] && tables["message_attachment_join"]

	s.msgCols, err = s.columns(ctx, "message")
	if err != nil {
		return err
	}
	for _, c := range []string{"guid", "handle_id", "date"} {
		if !s.msgCols[c] {
			return fmt.Errorf("%w: message table has no %s column", ErrDataSource, c)
		}
	}
	return nil
}

func (s *Store) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataSource, err)
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataSource, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// col returns the column reference, or a literal when older stores lack it.
func (s *Store) col(name, fallback string) string {
	if s.msgCols[name] {
		return "m." + name
	}
	return fallback
}

// Path is the absolute path of the store file.
func (s *Store) Path() string { return s.path }

// Close releases the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Stats returns the malformed-row counters.
func (s *Store) Stats() Stats {
	return Stats{
		SkippedMessages:    s.skippedMessages.Load(),
		SkippedReactions:   s.skippedReactions.Load(),
		SkippedAttachments: s.skippedAttachments.Load(),
		SkippedHandles:     s.skippedHandles.Load(),
	}
}

// Handles lists every sender/participant identifier.
func (s *Store) Handles(ctx context.Context) ([]Handle, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT ROWID, id, COALESCE(service, '') FROM handle ORDER BY ROWID`)
	if err != nil {
		return nil, fmt.Errorf("%w: query handles: %v", ErrDataSource, err)
	}
	defer rows.Close()

	var out []Handle
	for rows.Next() {
		var (
			h  Handle
			id sql.NullString
		)
		if err := rows.Scan(&h.ID, &id, &h.Service); err != nil {
			return nil, fmt.Errorf("%w: scan handle: %v", ErrDataSource, err)
		}
		h.Identifier = strings.TrimSpace(id.String)
		if h.Identifier == "" {
			s.skippedHandles.Add(1)
			s.log.Warn("skipping handle with no identifier", zap.Int64("rowid", h.ID))
			continue
		}
		h.Kind = KindOf(h.Identifier)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataSource, err)
	}
	return out, nil
}

// Chats lists every conversation with its member handles.
func (s *Store) Chats(ctx context.Context) ([]ChatRow, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT ROWID, COALESCE(guid, ''), COALESCE(chat_identifier, ''),
		       COALESCE(display_name, ''), COALESCE(service_name, '')
		FROM chat
		ORDER BY ROWID
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: query chats: %v", ErrDataSource, err)
	}
	var chats []ChatRow
	index := map[int64]int{}
	for rows.Next() {
		var c ChatRow
		if err := rows.Scan(&c.ID, &c.GUID, &c.Identifier, &c.DisplayName, &c.Service); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan chat: %v", ErrDataSource, err)
		}
		c.DisplayName = strings.TrimSpace(c.DisplayName)
		index[c.ID] = len(chats)
		chats = append(chats, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataSource, err)
	}

	members, err := s.conn.QueryContext(ctx, `
		SELECT chj.chat_id, chj.handle_id, h.id
		FROM chat_handle_join chj
		JOIN handle h ON h.ROWID = chj.handle_id
		ORDER BY chj.chat_id, chj.handle_id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: query chat members: %v", ErrDataSource, err)
	}
	defer members.Close()
	for members.Next() {
		var (
			chatID, handleID int64
			ident            sql.NullString
		)
		if err := members.Scan(&chatID, &handleID, &ident); err != nil {
			return nil, fmt.Errorf("%w: scan chat member: %v", ErrDataSource, err)
		}
		i, ok := index[chatID]
		if !ok || ident.String == "" {
			continue
		}
		chats[i].MemberIDs = append(chats[i].MemberIDs, handleID)
		chats[i].Participants = append(chats[i].Participants, ident.String)
	}
	if err := members.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataSource, err)
	}
	return chats, nil
}

// Messages yields the normal messages of a chat whose timestamp falls in iv,
// in store order. Malformed rows are skipped and counted. The sequence stops
// after the first yielded error.
func (s *Store) Messages(ctx context.Context, chatID int64, iv Interval) iter.Seq2[MessageRow, error] {
	query := fmt.Sprintf(`
		SELECT m.ROWID, m.guid, %s, %s, COALESCE(m.handle_id, 0), COALESCE(%s, 0),
		       COALESCE(m.date, 0), COALESCE(%s, 0), COALESCE(%s, 0), COALESCE(%s, 0)
		FROM message m
		JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
		WHERE cmj.chat_id = ?
		  AND COALESCE(%s, 0) = 0
		  AND COALESCE(%s, 0) = 0
		ORDER BY m.ROWID
	`,
		s.col("text", "NULL"), s.col("attributedBody", "NULL"), s.col("is_from_me", "0"),
		s.col("date_read", "0"), s.col("date_delivered", "0"), s.col("cache_has_attachments", "0"),
		s.col("associated_message_type", "0"), s.col("item_type", "0"),
	)

	return func(yield func(MessageRow, error) bool) {
		rows, err := s.conn.QueryContext(ctx, query, chatID)
		if err != nil {
			yield(MessageRow{}, fmt.Errorf("%w: query messages: %v", ErrDataSource, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				m                     MessageRow
				guid, text            sql.NullString
				body                  []byte
				fromMe, hasAtt        int64
				date, read, delivered int64
			)
			if err := rows.Scan(&m.RowID, &guid, &text, &body, &m.HandleID, &fromMe, &date, &read, &delivered, &hasAtt); err != nil {
				s.skippedMessages.Add(1)
				s.log.Warn("skipping unreadable message row", zap.Int64("chat_id", chatID), zap.Error(err))
				continue
			}
			m.GUID = strings.TrimSpace(guid.String)
			if m.GUID == "" {
				s.skippedMessages.Add(1)
				s.log.Warn("skipping message with no guid", zap.Int64("rowid", m.RowID))
				continue
			}
			ts, ok := bestTimestamp(date, read, delivered)
			if !ok {
				s.skippedMessages.Add(1)
				s.log.Warn("skipping message with no timestamp", zap.String("guid", m.GUID))
				continue
			}
			if !iv.Contains(ts) {
				continue
			}
			m.ChatID = chatID
			m.Timestamp = ts
			m.IsFromMe = fromMe != 0
			m.HasAttachments = hasAtt != 0
			if text.Valid && strings.TrimSpace(text.String) != "" {
				m.Text = cleanText(text.String)
			} else if len(body) > 0 {
				m.Text = cleanText(decodeAttributedBody(body))
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(MessageRow{}, fmt.Errorf("%w: %v", ErrDataSource, err))
		}
	}
}

// Attachments lists the files attached to a message.
func (s *Store) Attachments(ctx context.Context, messageGUID string) ([]AttachmentRow, error) {
	if !s.hasAttachments {
		return nil, nil
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT a.ROWID, COALESCE(a.guid, ''), COALESCE(a.filename, ''), COALESCE(a.mime_type, ''),
		       COALESCE(a.transfer_name, ''), COALESCE(a.total_bytes, 0)
		FROM attachment a
		JOIN message_attachment_join maj ON maj.attachment_id = a.ROWID
		JOIN message m ON m.ROWID = maj.message_id
		WHERE m.guid = ?
		ORDER BY a.ROWID
	`, messageGUID)
	if err != nil {
		return nil, fmt.Errorf("%w: query attachments: %v", ErrDataSource, err)
	}
	defer rows.Close()

	var out []AttachmentRow
	for rows.Next() {
		var (
			a        AttachmentRow
			rowID    int64
			filename string
		)
		if err := rows.Scan(&rowID, &a.GUID, &filename, &a.MimeType, &a.TransferName, &a.TotalBytes); err != nil {
			s.skippedAttachments.Add(1)
			s.log.Warn("skipping unreadable attachment row", zap.String("message", messageGUID), zap.Error(err))
			continue
		}
		if filename == "" {
			s.skippedAttachments.Add(1)
			s.log.Warn("skipping attachment with no file", zap.Int64("rowid", rowID), zap.String("message", messageGUID))
			continue
		}
		a.SourcePath = s.resolvePath(filename)
		a.Name = a.TransferName
		if a.Name == "" {
			a.Name = filepath.Base(a.SourcePath)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataSource, err)
	}
	return out, nil
}

// resolvePath expands "~" against the home directory and anchors relative
// paths at the store's directory.
func (s *Store) resolvePath(p string) string {
	switch {
	case p == "~":
		return s.homeDir
	case strings.HasPrefix(p, "~/"):
		return filepath.Join(s.homeDir, p[2:])
	case filepath.IsAbs(p):
		return filepath.Clean(p)
	}
	return filepath.Join(filepath.Dir(s.path), p)
}

// Reactions lists every tapback row of a chat in store order. Rows of
// unsupported types are skipped.
func (s *Store) Reactions(ctx context.Context, chatID int64) ([]ReactionRow, error) {
	if !s.msgCols["associated_message_type"] || !s.msgCols["associated_message_guid"] {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT m.ROWID, COALESCE(m.guid, ''), COALESCE(m.associated_message_guid, ''),
		       m.associated_message_type, COALESCE(m.handle_id, 0), COALESCE(%s, 0),
		       COALESCE(m.date, 0), COALESCE(%s, 0), COALESCE(%s, 0)
		FROM message m
		JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
		WHERE cmj.chat_id = ?
		  AND m.associated_message_type >= 2000 AND m.associated_message_type < 4000
		ORDER BY m.ROWID
	`, s.col("is_from_me", "0"), s.col("date_read", "0"), s.col("date_delivered", "0"))

	rows, err := s.conn.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: query reactions: %v", ErrDataSource, err)
	}
	defer rows.Close()

	var out []ReactionRow
	for rows.Next() {
		var (
			r                     ReactionRow
			assoc                 string
			typ, fromMe           int64
			date, read, delivered int64
		)
		if err := rows.Scan(&r.RowID, &r.GUID, &assoc, &typ, &r.HandleID, &fromMe, &date, &read, &delivered); err != nil {
			s.skippedReactions.Add(1)
			s.log.Warn("skipping unreadable reaction row", zap.Int64("chat_id", chatID), zap.Error(err))
			continue
		}
		kind, action, ok := reactionFromType(typ)
		if !ok {
			s.log.Debug("skipping unsupported reaction type", zap.Int64("rowid", r.RowID), zap.Int64("type", typ))
			continue
		}
		r.TargetGUID = targetGUID(assoc)
		if r.TargetGUID == "" {
			s.skippedReactions.Add(1)
			s.log.Warn("skipping reaction with no target", zap.Int64("rowid", r.RowID))
			continue
		}
		r.ChatID = chatID
		r.Kind = kind
		r.Action = action
		r.IsFromMe = fromMe != 0
		r.Timestamp, _ = bestTimestamp(date, read, delivered)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataSource, err)
	}
	return out, nil
}
