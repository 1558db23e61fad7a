package sweep

import (
	"context"
	"log"
	"time"

	"rollcall/internal/metrics"
	"rollcall/internal/session"
)

// Closer is the slice of the lifecycle engine the sweeper drives. The
// bool reports whether the call performed the transition or lost the
// race to another closer.
type Closer interface {
	Close(ctx context.Context, sessionID string) (bool, error)
}

// Sweeper is the recurring pass that finds Active sessions past their
// deadline and drives them through the engine's close transition.
// Overlapping sweeps are safe: the engine's close is idempotent.
type Sweeper struct {
	store    session.Store
	closer   Closer
	interval time.Duration
	batch    int

	nowFunc func() time.Time // mockable
}

// New builds a sweeper. Non-positive interval/batch fall back to 5s/100.
func New(store session.Store, closer Closer, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{store: store, closer: closer, interval: interval, batch: batch, nowFunc: time.Now}
}

// Run sweeps on a fixed interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one pass, isolating per-session failures: one broken
// close is logged and counted, the rest of the batch continues.
func (s *Sweeper) Sweep(ctx context.Context) (closed, failed int) {
	metrics.SweepsTotal.Inc()

	expired, err := s.store.ListExpired(ctx, s.nowFunc(), s.batch)
	if err != nil {
		log.Printf("sweep: list expired sessions failed: %v", err)
		metrics.SweepFailuresTotal.Inc()
		return 0, 0
	}

	for _, sess := range expired {
		won, err := s.closer.Close(ctx, sess.ID)
		if err != nil {
			log.Printf("sweep: close session %s failed: %v", sess.ID, err)
			metrics.SweepFailuresTotal.Inc()
			failed++
			continue
		}
		// a concurrent closer may have beaten this pass to the session;
		// only real transitions count
		if won {
			metrics.SessionsClosedTotal.WithLabelValues("expiry").Inc()
			closed++
		}
	}
	return closed, failed
}
