package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrDuplicateSend marks a send suppressed by the guard. The pipeline treats
// it as success: the first attempt with this key already delivered (or is
// about to).
var ErrDuplicateSend = errors.New("duplicate send suppressed")

// Transport delivers one composed message. Implementations must tolerate an
// empty recipient list without erroring.
type Transport interface {
	Send(ctx context.Context, bcc []string, subject, body string, attachments []Attachment) error
}

// Service wraps a Transport with the dedup guard, recipient sanitation and a
// send rate limit.
type Service struct {
	transport Transport
	guard     *Guard
	limiter   *rate.Limiter
	log       zerolog.Logger
}

type Config struct {
	RatePerMinute int // 0 disables rate limiting
}

func NewService(transport Transport, guard *Guard, cfg Config, log zerolog.Logger) *Service {
	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), cfg.RatePerMinute)
	}
	return &Service{transport: transport, guard: guard, limiter: limiter, log: log}
}

// Send delivers one message, keyed by guardKey.
//
// The guard key is claimed before handing off to the transport; a second
// call inside the TTL window with the same key returns ErrDuplicateSend
// without touching the transport.
func (s *Service) Send(ctx context.Context, bcc []string, subject, body string, attachments []Attachment, guardKey string) error {
	if s.guard != nil && !s.guard.Claim(guardKey) {
		s.log.Debug().Str("guard_key", guardKey).Msg("send suppressed by guard")
		return ErrDuplicateSend
	}

	addrs := dedupAddresses(bcc)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	err := s.transport.Send(ctx, addrs, subject, body, attachments)
	if err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Int("recipients", len(addrs)).Msg("send failed")
		return err
	}
	s.log.Debug().Str("subject", subject).Int("recipients", len(addrs)).Int("attachments", len(attachments)).Msg("sent")
	return nil
}

// dedupAddresses drops blank and repeated addresses, preserving first-seen
// order.
func dedupAddresses(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		key := strings.ToLower(a)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}
	return out
}
