package contacts

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestParse_LooseShapes(t *testing.T) {
	in := `[
		{"givenName": "Alice", "familyName": "Smith",
		 "phoneNumbers": ["+1 (555) 555-0123", {"value": "555-555-0199"}, "+1 (555) 555-0123"],
		 "emailAddresses": [{"canonicalForm": "alice@example.com"}]},
		{"givenName": null, "familyName": "Jones", "phoneNumbers": [42, "  "], "emailAddresses": ["bob@example.com"]},
		{"givenName": "Empty", "familyName": "Person"}
	]`
	got, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Contact{
		{GivenName: "Alice", FamilyName: "Smith", Phones: []string{"+1 (555) 555-0123", "555-555-0199"}, Emails: []string{"alice@example.com"}},
		{GivenName: "", FamilyName: "Jones", Phones: []string{}, Emails: []string{"bob@example.com"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Parse mismatch (-want +got):\n%s", diff)
	}
	if got[1].FullName() != "Jones" {
		t.Fatalf("FullName() = %q, want %q", got[1].FullName(), "Jones")
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "{", `{"givenName": "x"}`} {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("Parse(%q) expected error", in)
		}
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contacts.json")
	if err := os.WriteFile(path, []byte(`[{"givenName":"Ann","familyName":"Lee","phoneNumbers":["5551234567"],"emailAddresses":[]}]`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := FileProvider{Path: path}.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0].FullName() != "Ann Lee" {
		t.Fatalf("unexpected contacts: %+v", got)
	}

	_, err = FileProvider{Path: filepath.Join(dir, "nope.json")}.Fetch(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandProvider(t *testing.T) {
	requireShell(t)
	defer goleak.VerifyNone(t)

	p := CommandProvider{
		Command: "sh",
		Args:    []string{"-c", `echo '[{"givenName":"Ann","familyName":"Lee","phoneNumbers":["5551234567"]}]'`},
		Timeout: 5 * time.Second,
	}
	got, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0].Phones[0] != "5551234567" {
		t.Fatalf("unexpected contacts: %+v", got)
	}
}

func TestCommandProvider_Stdin(t *testing.T) {
	requireShell(t)

	p := CommandProvider{
		Command: "sh",
		Stdin:   []byte(`echo '[{"givenName":"Script","emailAddresses":["s@example.com"]}]'`),
		Timeout: 5 * time.Second,
	}
	got, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0].FullName() != "Script" {
		t.Fatalf("unexpected contacts: %+v", got)
	}
}

func TestCommandProvider_Failures(t *testing.T) {
	requireShell(t)
	defer goleak.VerifyNone(t)

	tests := []struct {
		name string
		p    CommandProvider
	}{
		{"empty command", CommandProvider{}},
		{"missing binary", CommandProvider{Command: "definitely-not-a-contacts-helper"}},
		{"non-zero exit", CommandProvider{Command: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}}},
		{"bad json", CommandProvider{Command: "sh", Args: []string{"-c", "echo not-json"}}},
		{"timeout", CommandProvider{Command: "sh", Args: []string{"-c", "sleep 5"}, Timeout: 100 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.p.Fetch(context.Background())
			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable, got %v", err)
			}
		})
	}
}

type failingProvider struct{ calls int }

func (f *failingProvider) Fetch(ctx context.Context) ([]Contact, error) {
	f.calls++
	return nil, ErrUnavailable
}

func TestLoad_DegradesToEmpty(t *testing.T) {
	fp := &failingProvider{}
	got := Load(context.Background(), fp, nil)
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %d contacts", len(got))
	}
	if fp.calls != 1 {
		t.Fatalf("provider called %d times, want 1", fp.calls)
	}
	if got := Load(context.Background(), nil, nil); got != nil {
		t.Fatalf("nil provider should yield nil, got %v", got)
	}

	static := Static{{GivenName: "A", Emails: []string{"a@example.com"}}}
	if got := Load(context.Background(), static, nil); len(got) != 1 {
		t.Fatalf("static provider lost contacts: %v", got)
	}
}
