// Package contacts fetches the user's address book from an external provider.
//
// Provider output is loosely typed JSON; it is converted into Contact values at
// this boundary so nothing downstream inspects raw JSON.
package contacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Napageneral/msgarchive/internal/logging"
)

// ErrUnavailable marks every provider failure: missing command, non-zero exit,
// timeout or unparseable output.
var ErrUnavailable = errors.New("contacts unavailable")

// Contact is one address book entry.
type Contact struct {
	GivenName  string
	FamilyName string
	Phones     []string
	Emails     []string
}

// FullName is given + family, trimmed.
func (c Contact) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.GivenName) + " " + strings.TrimSpace(c.FamilyName))
}

// Provider returns the contact list. Implementations are called once per run.
type Provider interface {
	Fetch(ctx context.Context) ([]Contact, error)
}

// CommandProvider runs an external helper that prints a JSON array of contacts.
type CommandProvider struct {
	Command string
	Args    []string
	// Stdin is written to the helper, e.g. a script for an interpreter.
	Stdin   []byte
	Timeout time.Duration
}

func (p CommandProvider) Fetch(ctx context.Context) ([]Contact, error) {
	if strings.TrimSpace(p.Command) == "" {
		return nil, fmt.Errorf("%w: no contacts command configured", ErrUnavailable)
	}
	if _, err := exec.LookPath(p.Command); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrUnavailable, p.Command)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	if len(p.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(p.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Don't wait on helpers that leave grandchildren holding stdout open.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s timed out after %s", ErrUnavailable, p.Command, timeout)
		}
		return nil, fmt.Errorf("%w: %s failed: %v (stderr: %s)", ErrUnavailable, p.Command, err, strings.TrimSpace(stderr.String()))
	}

	out, err := Parse(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// FileProvider reads provider output saved to a file.
type FileProvider struct {
	Path string
}

func (p FileProvider) Fetch(ctx context.Context) ([]Contact, error) {
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, p.Path, err)
	}
	return out, nil
}

// Static serves a fixed list; handy for tests and for callers that already hold contacts.
type Static []Contact

func (s Static) Fetch(ctx context.Context) ([]Contact, error) {
	return []Contact(s), nil
}

// Load calls the provider once. Any failure degrades to an empty list.
func Load(ctx context.Context, p Provider, logger *zap.Logger) []Contact {
	log := logging.Component(logger, "contacts")
	if p == nil {
		log.Info("no contacts provider configured; using raw identifiers")
		return nil
	}

	start := time.Now()
	out, err := p.Fetch(ctx)
	if err != nil {
		log.Warn("contacts provider unavailable; using raw identifiers", zap.Error(err))
		return nil
	}
	log.Info("contacts loaded", zap.Int("contacts", len(out)), zap.Duration("duration", time.Since(start)))
	return out
}

// providerContact is the wire form. Names may be null; phone and email entries
// may be bare strings or objects carrying a "value" (or "canonicalForm") field.
type providerContact struct {
	GivenName      *string           `json:"givenName"`
	FamilyName     *string           `json:"familyName"`
	PhoneNumbers   []json.RawMessage `json:"phoneNumbers"`
	EmailAddresses []json.RawMessage `json:"emailAddresses"`
}

type labeledValue struct {
	Value         string `json:"value"`
	CanonicalForm string `json:"canonicalForm"`
}

// Parse converts provider JSON into contacts, preserving provider order.
// Entries without any phone or email are dropped.
func Parse(b []byte) ([]Contact, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("empty contacts output")
	}
	var raw []providerContact
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse contacts json: %w", err)
	}

	out := make([]Contact, 0, len(raw))
	for _, rc := range raw {
		c := Contact{
			GivenName:  deref(rc.GivenName),
			FamilyName: deref(rc.FamilyName),
		}
		c.Phones = dedupeStrings(decodeValues(rc.PhoneNumbers), strings.TrimSpace)
		c.Emails = dedupeStrings(decodeValues(rc.EmailAddresses), strings.TrimSpace)
		if len(c.Phones) == 0 && len(c.Emails) == 0 {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeValues(items []json.RawMessage) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var lv labeledValue
		if err := json.Unmarshal(item, &lv); err == nil {
			if lv.Value != "" {
				out = append(out, lv.Value)
			} else if lv.CanonicalForm != "" {
				out = append(out, lv.CanonicalForm)
			}
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func dedupeStrings(s []string, normalize func(string) string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(s))
	for _, v := range s {
		v = normalize(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
