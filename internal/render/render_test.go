package render_test

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Napageneral/msgarchive/internal/contacts"
	"github.com/Napageneral/msgarchive/internal/conversation"
	"github.com/Napageneral/msgarchive/internal/identify"
	"github.com/Napageneral/msgarchive/internal/render"
	"github.com/Napageneral/msgarchive/internal/source"
	"github.com/Napageneral/msgarchive/internal/testutil"
)

var day = time.Date(2024, 5, 4, 18, 30, 0, 0, time.UTC)

// sampleArchive builds a store with a direct chat, a labeled group and one
// attachment, then assembles it.
func sampleArchive(t *testing.T) (*conversation.Archive, string) {
	t.Helper()
	fx := testutil.NewChatDB(t)
	alice := fx.AddHandle("+15555550123")
	bob := fx.AddHandle("bob@example.com")
	direct := fx.AddChat("d", "+15555550123", "", alice)
	group := fx.AddChat("g", "chat99", "Family Group", alice, bob)

	fx.AddMessage(direct, testutil.Message{GUID: "m1", Text: "<b>hi</b> & bye", HandleID: alice, Date: testutil.AppleNanos(day)})
	fx.AddMessage(direct, testutil.Message{GUID: "m2", Text: "next day", FromMe: true, Date: testutil.AppleNanos(day.Add(24 * time.Hour))})
	fx.AddMessage(direct, testutil.Message{GUID: "tb1", AssocType: 2001, AssocGUID: "p:0/m1", FromMe: true, Date: testutil.AppleNanos(day)})
	fx.AddMessage(direct, testutil.Message{GUID: "tb2", AssocType: 2003, AssocGUID: "p:0/GONE", HandleID: alice, Date: testutil.AppleNanos(day)})

	photo := fx.AddMessage(group, testutil.Message{GUID: "ATT-MSG", HandleID: bob, HasAttachment: true, Date: testutil.AppleNanos(day)})
	docMsg := fx.AddMessage(group, testutil.Message{GUID: "g2", Text: "doc", FromMe: true, HasAttachment: true, Date: testutil.AppleNanos(day.Add(time.Minute))})

	attDir := filepath.Join(filepath.Dir(fx.Path), "Attachments")
	require.NoError(t, os.MkdirAll(attDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(attDir, "beach.jpg"), []byte("jpeg bytes"), 0644))
	fx.AddAttachment(photo, "A1", "Attachments/beach.jpg", "image/jpeg", "beach.jpg", 10)
	fx.AddAttachment(docMsg, "A2", "Attachments/lost.pdf", "application/pdf", "lost.pdf", 2048)

	store, err := source.Open(context.Background(), fx.Path, source.Options{HomeDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	handles, err := store.Handles(context.Background())
	require.NoError(t, err)
	list := []contacts.Contact{{GivenName: "Alice", FamilyName: "Smith", Phones: []string{"555-555-0123"}}}
	resolver := identify.NewResolver(list, handles, identify.Options{})

	archive, err := conversation.NewAssembler(store, resolver, nil).Assemble(context.Background(), conversation.Options{})
	require.NoError(t, err)
	require.Len(t, archive.Chats, 2)
	return archive, fx.Path
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		files[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestRender_LayoutAndContent(t *testing.T) {
	archive, _ := sampleArchive(t)
	// The store's pool goroutines predate rendering.
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	out := t.TempDir()

	r := render.New(render.Options{Workers: 2, Location: time.UTC, CopyAttachments: true})
	res, err := r.Render(context.Background(), archive, out)
	require.NoError(t, err)
	assert.Equal(t, "index.html", res.Index)
	assert.ElementsMatch(t, []string{"direct/Direct - Alice Smith.html", "groups/Family Group.html"}, res.Written)
	assert.Equal(t, 1, res.AttachmentsCopied)
	assert.Equal(t, 1, res.AttachmentsMissing)

	files := readTree(t, out)
	require.Contains(t, files, "index.html")
	require.Contains(t, files, "attachments/ATT-MSG/beach.jpg")
	assert.Equal(t, "jpeg bytes", files["attachments/ATT-MSG/beach.jpg"])

	direct := files["direct/Direct - Alice Smith.html"]
	assert.Contains(t, direct, "&lt;b&gt;hi&lt;/b&gt; &amp; bye")
	assert.NotContains(t, direct, "<b>hi</b>")
	assert.Contains(t, direct, "👍")
	assert.NotContains(t, direct, "😂", "dangling reaction must not render")
	assert.Contains(t, direct, "May 04, 2024")
	assert.Contains(t, direct, "May 05, 2024")
	assert.Contains(t, direct, "06:30 PM")
	assert.Less(t, strings.Index(direct, "May 04, 2024"), strings.Index(direct, "May 05, 2024"))

	// Every message block names its sender, self-sent ones included.
	var mine, theirs string
	for _, block := range strings.Split(direct, `<div class="message `)[1:] {
		switch {
		case strings.Contains(block, "next day"):
			mine = block
		case strings.Contains(block, "bye"):
			theirs = block
		}
	}
	require.NotEmpty(t, mine)
	assert.True(t, strings.HasPrefix(mine, "from-me"), mine)
	assert.Contains(t, mine, `<div class="message-header">`+conversation.SelfLabel+`</div>`)
	assert.Contains(t, theirs, `<div class="message-header">Alice Smith</div>`)

	group := files["groups/Family Group.html"]
	assert.Contains(t, group, `src="../attachments/ATT-MSG/beach.jpg"`)
	assert.Contains(t, group, `class="participants"`)
	assert.Contains(t, group, "bob@example.com")
	assert.Contains(t, group, "lost.pdf")
	assert.Contains(t, group, "attachment-link missing")

	index := files["index.html"]
	assert.Contains(t, index, `href="direct/Direct%20-%20Alice%20Smith.html"`)
	assert.Contains(t, index, `href="groups/Family%20Group.html"`)
	assert.Contains(t, index, `data-search="family group chat99`)
	assert.Less(t, strings.Index(index, "Group Chats"), strings.Index(index, "Direct Messages"))
}

func TestRender_Idempotent(t *testing.T) {
	archive, _ := sampleArchive(t)
	r := render.New(render.Options{Workers: 4, Location: time.FixedZone("PDT", -7*3600), CopyAttachments: true})

	a, b := t.TempDir(), t.TempDir()
	_, err := r.Render(context.Background(), archive, a)
	require.NoError(t, err)
	_, err = r.Render(context.Background(), archive, b)
	require.NoError(t, err)
	first := readTree(t, a)
	require.Equal(t, first, readTree(t, b))

	// Rendering over an existing archive leaves the same bytes behind.
	_, err = r.Render(context.Background(), archive, a)
	require.NoError(t, err)
	require.Equal(t, first, readTree(t, a))
}

func TestRender_ReferencesWithoutCopy(t *testing.T) {
	archive, dbPath := sampleArchive(t)
	out := t.TempDir()
	res, err := render.New(render.Options{Location: time.UTC}).Render(context.Background(), archive, out)
	require.NoError(t, err)
	assert.Zero(t, res.AttachmentsCopied)

	files := readTree(t, out)
	for name := range files {
		assert.False(t, strings.HasPrefix(name, "attachments/"), "unexpected copy %s", name)
	}
	src := filepath.ToSlash(filepath.Join(filepath.Dir(dbPath), "Attachments", "beach.jpg"))
	assert.Contains(t, files["groups/Family Group.html"], "file://"+src)
}

func TestRender_PartialFailure(t *testing.T) {
	archive, _ := sampleArchive(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	out := t.TempDir()

	// A directory where the group document belongs makes that write fail.
	blocker := filepath.Join(out, "groups", "Family Group.html")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "occupied"), 0755))

	res, err := render.New(render.Options{Workers: 2, Location: time.UTC, CopyAttachments: true}).
		Render(context.Background(), archive, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, render.ErrPartial), "got %v", err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "Family Group", res.Failed[0].Name)
	assert.Equal(t, []string{"direct/Direct - Alice Smith.html"}, res.Written)

	index, readErr := os.ReadFile(filepath.Join(out, "index.html"))
	require.NoError(t, readErr)
	assert.NotContains(t, string(index), "Family Group")
	assert.Contains(t, string(index), "Alice Smith")
}

func TestRender_TotalFailure(t *testing.T) {
	archive, _ := sampleArchive(t)
	out := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(out, "groups", "Family Group.html", "x"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(out, "direct", "Direct - Alice Smith.html", "x"), 0755))

	res, err := render.New(render.Options{Location: time.UTC}).Render(context.Background(), archive, out)
	require.Error(t, err)
	assert.False(t, errors.Is(err, render.ErrPartial))
	assert.Len(t, res.Failed, 2)
	assert.Empty(t, res.Written)
}

func TestRender_Canceled(t *testing.T) {
	archive, _ := sampleArchive(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := t.TempDir()
	res, err := render.New(render.Options{}).Render(ctx, archive, out)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Written)
	_, statErr := os.Stat(filepath.Join(out, "index.html"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRender_EmptyArchive(t *testing.T) {
	out := t.TempDir()
	res, err := render.New(render.Options{}).Render(context.Background(), &conversation.Archive{}, out)
	require.NoError(t, err)
	assert.Equal(t, "index.html", res.Index)
	b, err := os.ReadFile(filepath.Join(out, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "0 chats")
}

func TestGlyphs(t *testing.T) {
	want := map[source.ReactionKind]string{
		source.ReactionLove: "🩷", source.ReactionLike: "👍", source.ReactionDislike: "👎",
		source.ReactionLaugh: "😂", source.ReactionEmphasize: "‼️", source.ReactionQuestion: "❓",
	}
	for _, k := range source.ReactionKinds() {
		assert.Equal(t, want[k], render.Glyph(k), k.String())
	}
}
