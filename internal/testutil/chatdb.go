// Package testutil builds synthetic Messages stores and run ledgers for tests.
package testutil

import (
	"database/sql"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Napageneral/msgarchive/internal/db"
)

// Subset of the real chat.db schema; column names and types match macOS.
const chatDBSchema = `
CREATE TABLE handle (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT,
	country TEXT,
	service TEXT NOT NULL DEFAULT 'iMessage',
	uncanonicalized_id TEXT
);
CREATE TABLE chat (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT UNIQUE NOT NULL,
	style INTEGER,
	chat_identifier TEXT,
	service_name TEXT,
	display_name TEXT
);
CREATE TABLE message (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT,
	text TEXT,
	attributedBody BLOB,
	handle_id INTEGER DEFAULT 0,
	service TEXT,
	date INTEGER,
	date_read INTEGER,
	date_delivered INTEGER,
	is_from_me INTEGER DEFAULT 0,
	cache_has_attachments INTEGER DEFAULT 0,
	associated_message_guid TEXT,
	associated_message_type INTEGER DEFAULT 0,
	item_type INTEGER DEFAULT 0
);
CREATE TABLE chat_message_join (
	chat_id INTEGER REFERENCES chat (ROWID) ON DELETE CASCADE,
	message_id INTEGER REFERENCES message (ROWID) ON DELETE CASCADE,
	message_date INTEGER DEFAULT 0,
	PRIMARY KEY (chat_id, message_id)
);
CREATE TABLE chat_handle_join (
	chat_id INTEGER REFERENCES chat (ROWID) ON DELETE CASCADE,
	handle_id INTEGER REFERENCES handle (ROWID) ON DELETE CASCADE,
	UNIQUE (chat_id, handle_id)
);
CREATE TABLE attachment (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT UNIQUE NOT NULL,
	created_date INTEGER DEFAULT 0,
	filename TEXT,
	mime_type TEXT,
	transfer_name TEXT,
	total_bytes INTEGER DEFAULT 0
);
CREATE TABLE message_attachment_join (
	message_id INTEGER REFERENCES message (ROWID) ON DELETE CASCADE,
	attachment_id INTEGER REFERENCES attachment (ROWID) ON DELETE CASCADE,
	UNIQUE (message_id, attachment_id)
);
`

var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// AppleNanos encodes t the way current stores do. The zero time encodes as 0.
func AppleNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Sub(appleEpoch).Nanoseconds()
}

// AppleSeconds encodes t the way older stores do.
func AppleSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return int64(t.Sub(appleEpoch) / time.Second)
}

// Message describes one message row. Zero fields fall back to column defaults.
type Message struct {
	GUID          string
	Text          string
	Body          []byte
	HandleID      int64
	FromMe        bool
	Date          int64
	DateRead      int64
	DateDelivered int64
	AssocType     int
	AssocGUID     string
	ItemType      int
	HasAttachment bool
}

// ChatDB is a synthetic Messages store on disk.
type ChatDB struct {
	Path string
	conn *sql.DB
	t    testing.TB
}

// NewChatDB creates an empty store named chat.db in a temp directory. The
// writer connection is closed when the test ends.
func NewChatDB(t testing.TB) *ChatDB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(chatDBSchema); err != nil {
		conn.Close()
		t.Fatalf("create fixture schema: %v", err)
	}
	c := &ChatDB{Path: path, conn: conn, t: t}
	t.Cleanup(func() { conn.Close() })
	return c
}

// Exec runs arbitrary SQL against the fixture.
func (c *ChatDB) Exec(query string, args ...any) {
	c.t.Helper()
	if _, err := c.conn.Exec(query, args...); err != nil {
		c.t.Fatalf("exec %q: %v", query, err)
	}
}

func (c *ChatDB) insert(query string, args ...any) int64 {
	c.t.Helper()
	res, err := c.conn.Exec(query, args...)
	if err != nil {
		c.t.Fatalf("insert %q: %v", query, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		c.t.Fatalf("last insert id: %v", err)
	}
	return id
}

// AddHandle inserts a handle and returns its ROWID.
func (c *ChatDB) AddHandle(identifier string) int64 {
	c.t.Helper()
	return c.insert(`INSERT INTO handle (id, service) VALUES (?, 'iMessage')`, identifier)
}

// AddChat inserts a chat with the given members and returns its ROWID.
func (c *ChatDB) AddChat(guid, identifier, displayName string, members ...int64) int64 {
	c.t.Helper()
	var name any
	if displayName != "" {
		name = displayName
	}
	id := c.insert(`INSERT INTO chat (guid, chat_identifier, service_name, display_name) VALUES (?, ?, 'iMessage', ?)`,
		guid, identifier, name)
	for _, h := range members {
		c.Exec(`INSERT INTO chat_handle_join (chat_id, handle_id) VALUES (?, ?)`, id, h)
	}
	return id
}

// AddMessage inserts a message into a chat and returns its ROWID.
func (c *ChatDB) AddMessage(chatID int64, m Message) int64 {
	c.t.Helper()
	var guid, text, assoc any
	if m.GUID != "" {
		guid = m.GUID
	}
	if m.Text != "" {
		text = m.Text
	}
	if m.AssocGUID != "" {
		assoc = m.AssocGUID
	}
	id := c.insert(`
		INSERT INTO message (guid, text, attributedBody, handle_id, service, date, date_read, date_delivered,
		                     is_from_me, cache_has_attachments, associated_message_guid, associated_message_type, item_type)
		VALUES (?, ?, ?, ?, 'iMessage', ?, ?, ?, ?, ?, ?, ?, ?)
	`, guid, text, m.Body, m.HandleID, m.Date, m.DateRead, m.DateDelivered,
		boolInt(m.FromMe), boolInt(m.HasAttachment), assoc, m.AssocType, m.ItemType)
	c.Exec(`INSERT INTO chat_message_join (chat_id, message_id, message_date) VALUES (?, ?, ?)`, chatID, id, m.Date)
	return id
}

// AddAttachment links an attachment row to a message.
func (c *ChatDB) AddAttachment(messageID int64, guid, filename, mimeType, transferName string, size int64) int64 {
	c.t.Helper()
	id := c.insert(`INSERT INTO attachment (guid, filename, mime_type, transfer_name, total_bytes) VALUES (?, ?, ?, ?, ?)`,
		guid, filename, mimeType, transferName, size)
	c.Exec(`INSERT INTO message_attachment_join (message_id, attachment_id) VALUES (?, ?)`, messageID, id)
	return id
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AttributedBody encodes text the way the store's typedstream blobs carry it.
func AttributedBody(text string) []byte {
	b := []byte("\x04\x0bstreamtyped\x81\xe8\x03\x84\x01@\x84\x84\x84\x12NSAttributedString\x00\x84\x84\x08NSObject\x00\x85\x92\x84\x84\x84\x08NSString\x01\x94\x84\x01+")
	n := len(text)
	switch {
	case n < 0x80:
		b = append(b, byte(n))
	case n <= 0xFFFF:
		b = append(b, 0x81)
		b = binary.LittleEndian.AppendUint16(b, uint16(n))
	default:
		b = append(b, 0x82)
		b = binary.LittleEndian.AppendUint32(b, uint32(n))
	}
	b = append(b, text...)
	return append(b, 0x86, 0x84, 0x02, 'i', 'I', 0x01)
}

// OpenLedger creates a fresh run ledger under a temp data directory.
func OpenLedger(t testing.TB) *sql.DB {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
