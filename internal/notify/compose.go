// Package notify composes report messages and delivers them through a
// pluggable transport, guarding against duplicate sends when retries overlap.
package notify

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// AppInfo is spliced into message bodies via {{app.*}} placeholders.
type AppInfo struct {
	Name  string
	URL   string
	Email string
}

// Attachment references one rendered artifact on disk.
type Attachment struct {
	Title string
	Path  string
}

// ComposeData is the substitution context for one message.
type ComposeData struct {
	Subject     string
	Date        time.Time
	App         AppInfo
	Attachments []Attachment
}

// Compose performs placeholder substitution on a schedule body.
//
// Supported tokens: {{subject}}, {{date}}, {{app.name}}, {{app.email}},
// {{app.url}}, {{dashboards}} (a numbered list of attachment names).
func Compose(body string, data ComposeData) string {
	r := strings.NewReplacer(
		"{{subject}}", data.Subject,
		"{{date}}", data.Date.Format("02/01/2006"),
		"{{app.name}}", data.App.Name,
		"{{app.email}}", data.App.Email,
		"{{app.url}}", data.App.URL,
		"{{dashboards}}", formatAttachmentList(data.Attachments),
	)
	return r.Replace(body)
}

func formatAttachmentList(attachments []Attachment) string {
	lines := make([]string, 0, len(attachments))
	for i, a := range attachments {
		name := a.Title
		if name == "" {
			base := filepath.Base(a.Path)
			name = strings.TrimSuffix(base, filepath.Ext(base))
		}
		lines = append(lines, fmt.Sprintf("%d.  %s", i+1, name))
	}
	return strings.Join(lines, "\n")
}
