package source_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Napageneral/msgarchive/internal/source"
	"github.com/Napageneral/msgarchive/internal/testutil"
)

var base = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T, fx *testutil.ChatDB) *source.Store {
	t.Helper()
	s, err := source.Open(context.Background(), fx.Path, source.Options{HomeDir: "/home/tester"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func collect(t *testing.T, s *source.Store, chatID int64, iv source.Interval) []source.MessageRow {
	t.Helper()
	var out []source.MessageRow
	for m, err := range s.Messages(context.Background(), chatID, iv) {
		if err != nil {
			t.Fatalf("Messages: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestOpen_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := source.Open(context.Background(), filepath.Join(dir, "missing.db"), source.Options{})
	if !errors.Is(err, source.ErrDataSource) {
		t.Fatalf("missing file: expected ErrDataSource, got %v", err)
	}

	garbage := filepath.Join(dir, "garbage.db")
	if err := os.WriteFile(garbage, []byte("this is not sqlite at all, just some text padding it out"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = source.Open(context.Background(), garbage, source.Options{})
	if !errors.Is(err, source.ErrDataSource) {
		t.Fatalf("garbage file: expected ErrDataSource, got %v", err)
	}

	fx := testutil.NewChatDB(t)
	fx.Exec(`DROP TABLE chat_handle_join`)
	_, err = source.Open(context.Background(), fx.Path, source.Options{})
	if !errors.Is(err, source.ErrDataSource) {
		t.Fatalf("wrong schema: expected ErrDataSource, got %v", err)
	}
}

func TestHandlesAndChats(t *testing.T) {
	fx := testutil.NewChatDB(t)
	alice := fx.AddHandle("+15555550123")
	bob := fx.AddHandle("bob@example.com")
	fx.Exec(`INSERT INTO handle (id, service) VALUES ('', 'SMS')`)
	direct := fx.AddChat("iMessage;-;+15555550123", "+15555550123", "", alice)
	group := fx.AddChat("iMessage;+;chat42", "chat42", "Family", bob, alice)

	s := openStore(t, fx)
	handles, err := s.Handles(context.Background())
	if err != nil {
		t.Fatalf("Handles: %v", err)
	}
	wantHandles := []source.Handle{
		{ID: alice, Identifier: "+15555550123", Kind: source.KindPhone, Service: "iMessage"},
		{ID: bob, Identifier: "bob@example.com", Kind: source.KindEmail, Service: "iMessage"},
	}
	if diff := cmp.Diff(wantHandles, handles); diff != "" {
		t.Fatalf("Handles mismatch (-want +got):\n%s", diff)
	}
	if s.Stats().SkippedHandles != 1 {
		t.Fatalf("SkippedHandles = %d, want 1", s.Stats().SkippedHandles)
	}

	chats, err := s.Chats(context.Background())
	if err != nil {
		t.Fatalf("Chats: %v", err)
	}
	wantChats := []source.ChatRow{
		{ID: direct, GUID: "iMessage;-;+15555550123", Identifier: "+15555550123", Service: "iMessage",
			MemberIDs: []int64{alice}, Participants: []string{"+15555550123"}},
		{ID: group, GUID: "iMessage;+;chat42", Identifier: "chat42", DisplayName: "Family", Service: "iMessage",
			MemberIDs: []int64{alice, bob}, Participants: []string{"+15555550123", "bob@example.com"}},
	}
	if diff := cmp.Diff(wantChats, chats); diff != "" {
		t.Fatalf("Chats mismatch (-want +got):\n%s", diff)
	}
}

func TestMessages(t *testing.T) {
	fx := testutil.NewChatDB(t)
	alice := fx.AddHandle("+15555550123")
	chat := fx.AddChat("c1", "+15555550123", "", alice)

	fx.AddMessage(chat, testutil.Message{GUID: "m1", Text: "hello", HandleID: alice, Date: testutil.AppleNanos(base)})
	// delivery time wins over the written date
	fx.AddMessage(chat, testutil.Message{GUID: "m2", Text: "delivered", FromMe: true,
		Date: testutil.AppleNanos(base.Add(time.Minute)), DateDelivered: testutil.AppleNanos(base.Add(2 * time.Minute))})
	// legacy seconds encoding, text only in attributedBody
	fx.AddMessage(chat, testutil.Message{GUID: "m3", Body: testutil.AttributedBody("from the blob"), HandleID: alice,
		Date: testutil.AppleSeconds(base.Add(time.Hour))})
	// tapback and group event rows are not normal messages
	fx.AddMessage(chat, testutil.Message{GUID: "r1", AssocType: 2000, AssocGUID: "p:0/m1", HandleID: alice, Date: testutil.AppleNanos(base)})
	fx.AddMessage(chat, testutil.Message{GUID: "e1", ItemType: 1, Date: testutil.AppleNanos(base)})
	// malformed: no timestamp, no guid
	fx.AddMessage(chat, testutil.Message{GUID: "bad-ts", Text: "lost"})
	fx.AddMessage(chat, testutil.Message{Text: "no guid", Date: testutil.AppleNanos(base)})

	s := openStore(t, fx)
	got := collect(t, s, chat, source.Interval{})
	want := []source.MessageRow{
		{GUID: "m1", ChatID: chat, HandleID: alice, Timestamp: base, Text: "hello"},
		{GUID: "m2", ChatID: chat, IsFromMe: true, Timestamp: base.Add(2 * time.Minute), Text: "delivered"},
		{GUID: "m3", ChatID: chat, HandleID: alice, Timestamp: base.Add(time.Hour), Text: "from the blob"},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(source.MessageRow{}, "RowID")); diff != "" {
		t.Fatalf("Messages mismatch (-want +got):\n%s", diff)
	}
	if st := s.Stats(); st.SkippedMessages != 2 {
		t.Fatalf("SkippedMessages = %d, want 2", st.SkippedMessages)
	}
}

func TestMessages_Interval(t *testing.T) {
	fx := testutil.NewChatDB(t)
	chat := fx.AddChat("c1", "x@example.com", "")
	for i, guid := range []string{"d1", "d2", "d3"} {
		fx.AddMessage(chat, testutil.Message{GUID: guid, Text: guid, FromMe: true, Date: testutil.AppleNanos(base.AddDate(0, 0, i))})
	}
	s := openStore(t, fx)

	iv := source.Interval{Start: base.AddDate(0, 0, 1), End: base.AddDate(0, 0, 2)}
	got := collect(t, s, chat, iv)
	if len(got) != 1 || got[0].GUID != "d2" {
		t.Fatalf("interval should keep only d2, got %+v", got)
	}

	// early exit stops iteration without error
	n := 0
	for range s.Messages(context.Background(), chat, source.Interval{}) {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("expected a single iteration, got %d", n)
	}
}

func TestReactions(t *testing.T) {
	fx := testutil.NewChatDB(t)
	alice := fx.AddHandle("+15555550123")
	chat := fx.AddChat("c1", "+15555550123", "", alice)
	ts := testutil.AppleNanos(base)
	fx.AddMessage(chat, testutil.Message{GUID: "m1", Text: "hi", Date: ts})
	fx.AddMessage(chat, testutil.Message{GUID: "r1", AssocType: 2001, AssocGUID: "p:0/m1", HandleID: alice, Date: ts})
	fx.AddMessage(chat, testutil.Message{GUID: "r2", AssocType: 3001, AssocGUID: "bp:m1", HandleID: alice, Date: ts})
	fx.AddMessage(chat, testutil.Message{GUID: "r3", AssocType: 2005, AssocGUID: "p:1/m1", FromMe: true, Date: ts})
	fx.AddMessage(chat, testutil.Message{GUID: "r4", AssocType: 2006, AssocGUID: "p:0/m1", HandleID: alice, Date: ts})
	fx.AddMessage(chat, testutil.Message{GUID: "r5", AssocType: 2000, AssocGUID: "", HandleID: alice, Date: ts})

	s := openStore(t, fx)
	got, err := s.Reactions(context.Background(), chat)
	if err != nil {
		t.Fatalf("Reactions: %v", err)
	}
	want := []source.ReactionRow{
		{GUID: "r1", ChatID: chat, TargetGUID: "m1", Kind: source.ReactionLike, Action: source.ReactionAdded, HandleID: alice, Timestamp: base},
		{GUID: "r2", ChatID: chat, TargetGUID: "m1", Kind: source.ReactionLike, Action: source.ReactionRemoved, HandleID: alice, Timestamp: base},
		{GUID: "r3", ChatID: chat, TargetGUID: "m1", Kind: source.ReactionQuestion, Action: source.ReactionAdded, IsFromMe: true, Timestamp: base},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(source.ReactionRow{}, "RowID")); diff != "" {
		t.Fatalf("Reactions mismatch (-want +got):\n%s", diff)
	}
	if s.Stats().SkippedReactions != 1 {
		t.Fatalf("SkippedReactions = %d, want 1", s.Stats().SkippedReactions)
	}
}

func TestAttachments(t *testing.T) {
	fx := testutil.NewChatDB(t)
	chat := fx.AddChat("c1", "x@example.com", "")
	msg := fx.AddMessage(chat, testutil.Message{GUID: "m1", FromMe: true, HasAttachment: true, Date: testutil.AppleNanos(base)})
	fx.AddAttachment(msg, "a1", "~/Library/Messages/Attachments/ab/IMG_0001.heic", "image/heic", "IMG_0001.heic", 2048)
	fx.AddAttachment(msg, "a2", "Attachments/cd/notes.pdf", "application/pdf", "", 10)
	fx.AddAttachment(msg, "a3", "", "", "ghost.png", 0)

	s := openStore(t, fx)
	got, err := s.Attachments(context.Background(), "m1")
	if err != nil {
		t.Fatalf("Attachments: %v", err)
	}
	want := []source.AttachmentRow{
		{GUID: "a1", Name: "IMG_0001.heic", MimeType: "image/heic", TransferName: "IMG_0001.heic", TotalBytes: 2048,
			SourcePath: "/home/tester/Library/Messages/Attachments/ab/IMG_0001.heic"},
		{GUID: "a2", Name: "notes.pdf", MimeType: "application/pdf", TotalBytes: 10,
			SourcePath: filepath.Join(filepath.Dir(s.Path()), "Attachments/cd/notes.pdf")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Attachments mismatch (-want +got):\n%s", diff)
	}
	if s.Stats().SkippedAttachments != 1 {
		t.Fatalf("SkippedAttachments = %d, want 1", s.Stats().SkippedAttachments)
	}

	none, err := s.Attachments(context.Background(), "unknown")
	if err != nil || len(none) != 0 {
		t.Fatalf("unknown message: got %v, %v", none, err)
	}
}

func TestStoreIsNotModified(t *testing.T) {
	fx := testutil.NewChatDB(t)
	chat := fx.AddChat("c1", "x@example.com", "")
	fx.AddMessage(chat, testutil.Message{GUID: "m1", Text: "hi", FromMe: true, Date: testutil.AppleNanos(base)})
	before, err := os.ReadFile(fx.Path)
	if err != nil {
		t.Fatal(err)
	}

	s := openStore(t, fx)
	collect(t, s, chat, source.Interval{})
	if _, err := s.Reactions(context.Background(), chat); err != nil {
		t.Fatal(err)
	}
	s.Close()

	after, err := os.ReadFile(fx.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatal("store bytes changed after a read-only pass")
	}
}
