// Package limiter evaluates one request against the configured strategies
// and produces the admission decision.
package limiter

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/lowc1012/rate-limit-proxy/internal/bucket"
	"github.com/lowc1012/rate-limit-proxy/internal/extract"
	"github.com/lowc1012/rate-limit-proxy/internal/strategy"
)

// Config is the construction-time description of the limiter.
type Config struct {
	// Whitelist holds client IPs that bypass all strategies.
	Whitelist []string
	// Strategies are evaluated in order; all of them must admit.
	Strategies []strategy.Config
	// FailClosed denies requests when the bucket store cannot be consulted.
	// The default is to admit: a limiter outage must not take the upstream
	// down with it.
	FailClosed bool
}

// Decision is the outcome of evaluating one request.
type Decision struct {
	Admitted bool
	// DeniedBy names the first denying strategy's kind when Admitted is
	// false.
	DeniedBy strategy.Kind
	// Whitelisted reports that the client IP bypassed evaluation entirely.
	Whitelisted bool
	// StoreErrors counts checks that could not reach the store and were
	// resolved by the fail-open/fail-closed policy.
	StoreErrors int
}

// Limiter is immutable after construction and safe for concurrent use; all
// bucket state lives in the shared store.
type Limiter struct {
	whitelist  map[string]struct{}
	strategies []*strategy.Strategy
	store      bucket.Store
	failClosed bool
	needsBody  bool
	logger     *zap.Logger
}

// New validates the configuration and builds the limiter. Any configuration
// problem is fatal for the caller by contract.
func New(cfg Config, store bucket.Store, logger *zap.Logger) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("limiter: bucket store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	whitelist := make(map[string]struct{}, len(cfg.Whitelist))
	for _, raw := range cfg.Whitelist {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("limiter: unparseable whitelist IP %q", raw)
		}
		whitelist[ip.String()] = struct{}{}
	}

	strategies := make([]*strategy.Strategy, 0, len(cfg.Strategies))
	needsBody := false
	for i, sc := range cfg.Strategies {
		s, err := strategy.New(sc)
		if err != nil {
			return nil, fmt.Errorf("limiter: strategy %d: %w", i+1, err)
		}
		strategies = append(strategies, s)
		needsBody = needsBody || s.NeedsBody()
	}

	return &Limiter{
		whitelist:  whitelist,
		strategies: strategies,
		store:      store,
		failClosed: cfg.FailClosed,
		needsBody:  needsBody,
		logger:     logger,
	}, nil
}

// NeedsBody reports whether any configured strategy inspects request bodies,
// in which case the intake must buffer them.
func (l *Limiter) NeedsBody() bool {
	return l.needsBody
}

// Allow evaluates one request. Whitelisted IPs are admitted without touching
// the store. Otherwise every strategy's checks run in order against the
// store; the first denied check settles the request and later buckets are
// not charged. Store failures follow the fail-open/fail-closed policy.
func (l *Limiter) Allow(ctx context.Context, f *extract.Fingerprint) Decision {
	if _, ok := l.whitelist[f.ClientIP]; ok {
		return Decision{Admitted: true, Whitelisted: true}
	}

	var d Decision
	for _, s := range l.strategies {
		for _, c := range s.Emit(f) {
			res, err := l.store.TryConsume(ctx, c.Key, c.Params)
			if err != nil {
				if ctx.Err() != nil {
					// caller is gone; spent tokens stay spent
					d.DeniedBy = s.Kind()
					return d
				}
				d.StoreErrors++
				l.logger.Error("bucket store check failed",
					zap.String("key", c.Key),
					zap.String("strategy", string(s.Kind())),
					zap.Bool("fail_closed", l.failClosed),
					zap.Error(err))
				if l.failClosed {
					d.DeniedBy = s.Kind()
					return d
				}
				continue
			}
			if res.Outcome == bucket.Denied {
				d.DeniedBy = s.Kind()
				return d
			}
		}
	}

	d.Admitted = true
	return d
}
