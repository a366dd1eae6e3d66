package source

import (
	"strings"
	"time"
)

// HandleKind tags a raw identifier as a phone number or an email address.
type HandleKind int

const (
	KindPhone HandleKind = iota
	KindEmail
)

func (k HandleKind) String() string {
	if k == KindEmail {
		return "email"
	}
	return "phone"
}

// KindOf classifies a raw identifier. Anything with an "@" is an email.
func KindOf(identifier string) HandleKind {
	if strings.Contains(identifier, "@") {
		return KindEmail
	}
	return KindPhone
}

// Handle is a raw sender/participant identifier.
type Handle struct {
	ID         int64
	Identifier string
	Kind       HandleKind
	Service    string
}

// ChatRow is a conversation thread as stored.
type ChatRow struct {
	ID          int64
	GUID        string
	Identifier  string
	DisplayName string
	Service     string
	// MemberIDs and Participants are parallel, ordered by handle id.
	MemberIDs    []int64
	Participants []string
}

// MessageRow is a normal (non-reaction) message.
type MessageRow struct {
	RowID          int64
	GUID           string
	ChatID         int64
	HandleID       int64 // 0 when the store recorded no sender
	IsFromMe       bool
	Timestamp      time.Time
	Text           string
	HasAttachments bool
}

// AttachmentRow is one file attached to a message.
type AttachmentRow struct {
	GUID         string
	Name         string
	MimeType     string
	TransferName string
	TotalBytes   int64
	// SourcePath is the absolute location of the file on disk.
	SourcePath string
}

// ReactionKind is the tapback type.
type ReactionKind int

const (
	ReactionLove ReactionKind = iota
	ReactionLike
	ReactionDislike
	ReactionLaugh
	ReactionEmphasize
	ReactionQuestion
)

var reactionNames = [...]string{"love", "like", "dislike", "laugh", "emphasize", "question"}

func (k ReactionKind) String() string {
	if k < 0 || int(k) >= len(reactionNames) {
		return "unknown"
	}
	return reactionNames[k]
}

// ReactionKinds lists the enumeration in declaration order.
func ReactionKinds() []ReactionKind {
	return []ReactionKind{ReactionLove, ReactionLike, ReactionDislike, ReactionLaugh, ReactionEmphasize, ReactionQuestion}
}

// ReactionAction says whether a tapback row adds or withdraws a reaction.
type ReactionAction int

const (
	ReactionAdded ReactionAction = iota
	ReactionRemoved
)

func (a ReactionAction) String() string {
	if a == ReactionRemoved {
		return "removed"
	}
	return "added"
}

// ReactionRow is one tapback row, in store read order.
type ReactionRow struct {
	RowID      int64
	GUID       string
	ChatID     int64
	TargetGUID string
	Kind       ReactionKind
	Action     ReactionAction
	HandleID   int64
	IsFromMe   bool
	Timestamp  time.Time
}

// Interval is a half-open time range [Start, End). Zero bounds are open.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the interval.
func (iv Interval) Contains(t time.Time) bool {
	if !iv.Start.IsZero() && t.Before(iv.Start) {
		return false
	}
	if !iv.End.IsZero() && !t.Before(iv.End) {
		return false
	}
	return true
}

// IsZero reports whether the interval is unbounded on both sides.
func (iv Interval) IsZero() bool {
	return iv.Start.IsZero() && iv.End.IsZero()
}
