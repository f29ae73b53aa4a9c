package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matchbot/internal/domain"
	logx "matchbot/pkg/logx"
)

// allowedByPrefs checks the recipient's global toggle and the per-kind
// toggle. Unknown users default to everything on; lookup errors let the
// message through.
func (s *Service) allowedByPrefs(ctx context.Context, req Request) bool {
	p, err := s.store.Prefs(ctx, req.RecipientID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("prefs lookup failed, letting message through",
				logx.Int64("recipient", req.RecipientID), logx.Err(err))
		}
		p = domain.DefaultPrefs(req.RecipientID)
	}
	if !p.Enabled {
		return false
	}
	switch req.Kind {
	case KindGameReminder24h:
		return p.GameReminder24h
	case KindGameReminder2h:
		return p.GameReminder2h
	case KindPaymentReminder12h, KindPaymentReminder24h:
		return p.AutoPaymentReminders
	case KindManualPaymentReminder:
		return p.ManualPaymentReminders
	case KindOrganizerUpdate:
		return p.OrganizerUpdates
	default:
		// Service messages only honor the global toggle.
		return true
	}
}

// allowedByDedup claims this request's idempotency key. Exactly one
// claimant wins per cooldown window; a store failure lets the message
// through rather than dropping it.
func (s *Service) allowedByDedup(ctx context.Context, req Request) bool {
	cooldown := req.Kind.Cooldown()
	if cooldown <= 0 || req.RelatedEntityID == "" {
		return true
	}
	key := fmt.Sprintf("notify-%s-%s-%d", req.Kind, req.RelatedEntityID, req.RecipientID)
	allowed, err := s.store.CheckAndSetDedup(ctx, key, s.now(), cooldown)
	if err != nil {
		s.log.Warn("dedup check failed, letting message through",
			logx.String("key", key), logx.Err(err))
		return true
	}
	return allowed
}

// allowedByRate enforces the global pacing limiter and, when the request
// carries a scope, that scope's sliding-window quota. Quota bookkeeping
// failures fail open.
func (s *Service) allowedByRate(ctx context.Context, req Request) bool {
	if req.Scope != "" && s.cfg.ScopeQuota > 0 {
		now := s.now()
		ok, err := s.store.ClaimSend(ctx, req.Scope, now, now.Add(-s.cfg.QuotaWindow), s.cfg.ScopeQuota)
		if err != nil {
			s.log.Warn("quota claim failed, letting message through",
				logx.String("scope", req.Scope), logx.Err(err))
		} else if !ok {
			return false
		}
	}

	r := s.limiter.Reserve()
	if !r.OK() {
		return false
	}
	delay := r.Delay()
	if delay <= 0 {
		return true
	}
	t := time.NewTimer(delay)
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		r.Cancel()
		return false
	}
}
