// Package conversation assembles store rows into ordered, filtered chat
// threads with their reactions attached. The resulting Archive is read-only
// input for rendering.
package conversation

import (
	"path"
	"strings"
	"time"

	"github.com/Napageneral/msgarchive/internal/source"
)

// Sender labels that never come from the contact list.
const (
	SelfLabel    = "Me"
	UnknownLabel = "Unknown"
)

// Kind says whether a chat is a direct conversation or a group.
type Kind int

const (
	Direct Kind = iota
	Group
)

func (k Kind) String() string {
	if k == Group {
		return "group"
	}
	return "direct"
}

// MediaKind drives how an attachment is presented.
type MediaKind int

const (
	MediaOther MediaKind = iota
	MediaImage
	MediaVideo
	MediaAudio
)

func (m MediaKind) String() string {
	switch m {
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	}
	return "other"
}

var mediaByExt = map[string]MediaKind{
	".jpg": MediaImage, ".jpeg": MediaImage, ".png": MediaImage, ".gif": MediaImage,
	".heic": MediaImage, ".heif": MediaImage, ".webp": MediaImage, ".bmp": MediaImage,
	".tif": MediaImage, ".tiff": MediaImage,
	".mp4": MediaVideo, ".mov": MediaVideo, ".m4v": MediaVideo, ".avi": MediaVideo,
	".mkv": MediaVideo, ".webm": MediaVideo, ".3gp": MediaVideo,
	".mp3": MediaAudio, ".m4a": MediaAudio, ".aac": MediaAudio, ".wav": MediaAudio,
	".caf": MediaAudio, ".amr": MediaAudio, ".ogg": MediaAudio, ".flac": MediaAudio,
	".opus": MediaAudio,
}

// MediaKindOf classifies by file extension, then by mime type.
func MediaKindOf(name, mimeType string) MediaKind {
	if k, ok := mediaByExt[strings.ToLower(path.Ext(name))]; ok {
		return k
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return MediaAudio
	}
	return MediaOther
}

// Attachment is a file referenced by a message.
type Attachment struct {
	GUID       string
	Name       string
	MimeType   string
	Size       int64
	SourcePath string
	Media      MediaKind
}

// Reaction is a live tapback on a message.
type Reaction struct {
	Kind      source.ReactionKind
	Target    string
	HandleID  int64
	FromMe    bool
	Sender    string
	Timestamp time.Time
}

// Message is one entry of a chat thread.
type Message struct {
	GUID      string
	ChatID    int64
	HandleID  int64
	FromMe    bool
	Sender    string
	Timestamp time.Time
	Text      string
	// Unattributed marks a message the store records as neither self-sent
	// nor tied to a known handle. It is labeled UnknownLabel and never
	// re-attributed.
	Unattributed bool
	Attachments  []Attachment
	Reactions    []Reaction
}

// Chat is an assembled conversation with chronologically ordered messages.
type Chat struct {
	ID         int64
	GUID       string
	Identifier string
	// Label is the store-provided group name, if any.
	Label        string
	DisplayName  string
	Kind         Kind
	MemberIDs    []int64
	Participants []string
	// Members holds the display label of each entry in MemberIDs.
	Members      []string
	Messages     []Message
	Unattributed int
}

// IndexEntry summarizes one chat for the archive index.
type IndexEntry struct {
	ChatID       int64
	DisplayName  string
	Identifier   string
	Kind         Kind
	Participants []string
	MessageCount int
	Latest       time.Time
	// Senders is the sorted set of non-self sender labels.
	Senders []string
}

// Report counts what an assembly pass did.
type Report struct {
	ChatsTotal        int
	ChatsSelected     int
	ChatsEmitted      int
	Messages          int
	Attachments       int
	ReactionsAttached int
	ReactionsRemoved  int
	ReactionsDropped  int
	Unattributed      int
}

// Archive is the assembled conversation graph. Chats and Index share order.
type Archive struct {
	Chats  []*Chat
	Index  []IndexEntry
	Report Report
}
