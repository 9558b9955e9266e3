package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestComposeSubstitutesAllTokens(t *testing.T) {
	t.Parallel()
	body := "Report {{subject}} from {{app.name}} ({{app.url}}, {{app.email}}) on {{date}}:\n{{dashboards}}"
	out := Compose(body, ComposeData{
		Subject: "Weekly stats",
		Date:    time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		App:     AppInfo{Name: "reportd", URL: "https://example.org", Email: "reports@example.org"},
		Attachments: []Attachment{
			{Title: "Immunization", Path: "/tmp/immunization-2026-03-09.pdf"},
			{Path: "/tmp/stock-levels.pdf"},
		},
	})

	for _, want := range []string{
		"Weekly stats",
		"reportd",
		"https://example.org",
		"reports@example.org",
		"09/03/2026",
		"1.  Immunization",
		"2.  stock-levels",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("composed body missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "{{") {
		t.Fatalf("unsubstituted token remains:\n%s", out)
	}
}

func TestGuardSuppressesSameKeyWithinWindow(t *testing.T) {
	t.Parallel()
	g := NewGuard(time.Minute)
	now := time.Now()

	if !g.claimAt("exec-1", now) {
		t.Fatal("first claim should succeed")
	}
	if g.claimAt("exec-1", now.Add(30*time.Second)) {
		t.Fatal("same key within window should be suppressed")
	}
	if !g.claimAt("exec-2", now.Add(30*time.Second)) {
		t.Fatal("different key must not be suppressed")
	}
}

func TestGuardExpiresAfterWindow(t *testing.T) {
	t.Parallel()
	g := NewGuard(time.Minute)
	now := time.Now()

	if !g.claimAt("exec-1", now) {
		t.Fatal("first claim should succeed")
	}
	// More than the TTL apart: both succeed, no stale suppression.
	if !g.claimAt("exec-1", now.Add(2*time.Minute)) {
		t.Fatal("expired key should claim like a fresh one")
	}
}

func TestGuardSweepIsIdempotent(t *testing.T) {
	t.Parallel()
	g := NewGuard(time.Minute)
	now := time.Now()

	g.claimAt("a", now)
	g.claimAt("b", now)

	g.mu.Lock()
	g.sweepLocked(now.Add(2 * time.Minute))
	g.sweepLocked(now.Add(2 * time.Minute))
	remaining := len(g.entries)
	g.mu.Unlock()

	if remaining != 0 {
		t.Fatalf("entries remaining after sweep: %d", remaining)
	}
}

// ---- Service ----

type captureTransport struct {
	calls int
	bcc   []string
}

func (c *captureTransport) Send(_ context.Context, bcc []string, _, _ string, _ []Attachment) error {
	c.calls++
	c.bcc = bcc
	return nil
}

func TestServiceFiltersAndDeduplicatesRecipients(t *testing.T) {
	t.Parallel()
	tr := &captureTransport{}
	svc := NewService(tr, NewGuard(time.Minute), Config{}, zerolog.Nop())

	err := svc.Send(context.Background(),
		[]string{"a@example.org", "", "  ", "A@example.org", "b@example.org"},
		"s", "b", nil, "key-1")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(tr.bcc) != 2 {
		t.Fatalf("bcc = %v, want 2 unique addresses", tr.bcc)
	}
}

func TestServiceToleratesEmptyRecipientList(t *testing.T) {
	t.Parallel()
	tr := &captureTransport{}
	svc := NewService(tr, NewGuard(time.Minute), Config{}, zerolog.Nop())

	if err := svc.Send(context.Background(), nil, "s", "b", nil, "key-2"); err != nil {
		t.Fatalf("Send with no recipients: %v", err)
	}
}

func TestServiceGuardBlocksDuplicate(t *testing.T) {
	t.Parallel()
	tr := &captureTransport{}
	svc := NewService(tr, NewGuard(time.Minute), Config{}, zerolog.Nop())

	if err := svc.Send(context.Background(), nil, "s", "b", nil, "dup"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	err := svc.Send(context.Background(), nil, "s", "b", nil, "dup")
	if err != ErrDuplicateSend {
		t.Fatalf("err = %v, want ErrDuplicateSend", err)
	}
	if tr.calls != 1 {
		t.Fatalf("transport called %d times, want 1", tr.calls)
	}
}
