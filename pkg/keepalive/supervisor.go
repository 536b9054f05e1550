// Package keepalive periodically proves that registered connections are
// still alive and prunes the ones that are not.
package keepalive

import (
	"context"
	"time"

	"github.com/mahaj/tourbook-realtime/pkg/metrics"
	"github.com/mahaj/tourbook-realtime/pkg/registry"
	"go.uber.org/zap"
)

const DefaultInterval = 30 * time.Second

// Registry is the part of the connection registry the sweep needs.
type Registry interface {
	Connections() []registry.Conn
	RemoveConnection(userID, connID string) bool
	RefreshPresence(ctx context.Context, userID string) error
}

type Supervisor struct {
	reg      Registry
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// Result summarises one sweep.
type Result struct {
	Removed int // not open any more
	Pruned  int // open but silent since the previous sweep
	Pinged  int
	Users   int
}

func New(reg Registry, interval time.Duration, log *zap.Logger, m *metrics.Metrics) *Supervisor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{reg: reg, interval: interval, log: log.Named("keepalive"), metrics: m}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("keepalive started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("keepalive stopped")
			return
		case <-ticker.C:
			res := s.Sweep(ctx)
			if res.Removed > 0 || res.Pruned > 0 {
				s.log.Info("sweep pruned connections",
					zap.Int("removed", res.Removed),
					zap.Int("pruned", res.Pruned),
					zap.Int("pinged", res.Pinged),
				)
			}
		}
	}
}

// Sweep runs one liveness pass. Removal goes through the registry, so the
// usual offline transition applies to users who lose their last connection.
func (s *Supervisor) Sweep(ctx context.Context) Result {
	start := time.Now()
	var res Result
	alive := make(map[string]struct{})

	for _, c := range s.reg.Connections() {
		if c.State() != registry.StateOpen {
			if s.reg.RemoveConnection(c.UserID(), c.ID()) {
				res.Removed++
			}
			continue
		}
		if !c.CheckAlive() {
			s.drop(c, "no pong since previous sweep")
			res.Pruned++
			continue
		}
		if err := c.Ping(); err != nil {
			s.drop(c, "ping failed")
			res.Pruned++
			continue
		}
		res.Pinged++
		alive[c.UserID()] = struct{}{}
	}

	for userID := range alive {
		if err := s.reg.RefreshPresence(ctx, userID); err != nil {
			s.log.Warn("refresh presence", zap.String("user_id", userID), zap.Error(err))
		}
	}
	res.Users = len(alive)

	s.metrics.KeepaliveSweep(time.Since(start).Seconds(), res.Removed+res.Pruned)
	return res
}

func (s *Supervisor) drop(c registry.Conn, reason string) {
	s.log.Debug("dropping connection",
		zap.String("user_id", c.UserID()),
		zap.String("conn_id", c.ID()),
		zap.String("reason", reason),
	)
	_ = c.Close()
	s.reg.RemoveConnection(c.UserID(), c.ID())
}
