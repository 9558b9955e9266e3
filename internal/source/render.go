package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"reportd/internal/notify"
	"reportd/internal/pipeline"
)

// SpoolRenderer writes fetched artifacts into a spool directory so the
// notifier can attach them by path. Files are named after the artifact with
// a random suffix; concurrent runs of different schedules never collide.
type SpoolRenderer struct {
	Dir string
}

func NewSpoolRenderer(dir string) (*SpoolRenderer, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "reportd-spool")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool dir: %w", err)
	}
	return &SpoolRenderer{Dir: dir}, nil
}

func (r *SpoolRenderer) Render(ctx context.Context, title string, a pipeline.Artifact) (notify.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return notify.Attachment{}, err
	}
	if len(a.Data) == 0 {
		return notify.Attachment{}, fmt.Errorf("artifact %q: empty export", a.Title)
	}

	name := fmt.Sprintf("%s-%s.pdf", safeName(title), uuid.NewString()[:8])
	path := filepath.Join(r.Dir, name)
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		return notify.Attachment{}, fmt.Errorf("artifact %q: %w", a.Title, err)
	}
	return notify.Attachment{Title: title, Path: path}, nil
}

// safeName flattens a display name into something filesystem-friendly.
func safeName(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		case r == ' ':
			return '-'
		default:
			return -1
		}
	}, s)
	if mapped == "" {
		return "report"
	}
	return mapped
}
