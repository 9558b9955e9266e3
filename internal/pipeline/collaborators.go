// Package pipeline orchestrates one report run: fetch dashboard artifacts,
// render them into attachments, resolve the recipient group, send.
//
// The external systems involved (dashboard crawler, PDF renderer, user
// directory, mail/chat transport) are reached only through the narrow
// contracts below; everything concrete is injected.
package pipeline

import (
	"context"

	"reportd/internal/notify"
)

// Credentials authenticate the artifact source session.
type Credentials struct {
	Username string
	Password string
}

// FetchOptions tune artifact acquisition.
type FetchOptions struct {
	// SkipGraphs omits chart captures, fetching tables only.
	SkipGraphs bool
}

// Artifact is one fetched dashboard component, ready to render.
type Artifact struct {
	Title string
	Data  []byte
}

// Session is a live connection to the artifact source. Release must be safe
// to call exactly once on every exit path, success or failure.
type Session interface {
	FetchAll(ctx context.Context, dashboardNames []string, opts FetchOptions) ([]Artifact, error)
	Release()
}

// ArtifactSource opens sessions against the upstream dashboard service.
type ArtifactSource interface {
	Acquire(ctx context.Context, baseAddress string, creds Credentials) (Session, error)
}

// Renderer turns one artifact into an attachment on disk.
type Renderer interface {
	Render(ctx context.Context, title string, a Artifact) (notify.Attachment, error)
}

// Member is one resolved recipient.
type Member struct {
	ID          string
	DisplayName string
	Email       string
}

// Directory resolves recipient groups to concrete members. Membership is
// looked up fresh on every run, never cached on the schedule.
type Directory interface {
	ResolveGroup(ctx context.Context, groupID string) ([]string, error)
	ResolveUsers(ctx context.Context, memberIDs []string) ([]Member, error)
}

// Notifier delivers the composed report. The guard key makes temporally
// overlapping retries of one logical send idempotent.
type Notifier interface {
	Send(ctx context.Context, bcc []string, subject, body string, attachments []notify.Attachment, guardKey string) error
}
