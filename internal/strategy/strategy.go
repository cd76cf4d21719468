// Package strategy turns a configured rate-limiting rule into the set of
// bucket checks one request has to pass.
package strategy

import (
	"fmt"
	"time"

	"github.com/lowc1012/rate-limit-proxy/internal/bucket"
	"github.com/lowc1012/rate-limit-proxy/internal/extract"
)

// Kind selects how keys are derived from a request.
type Kind string

const (
	KindIP     Kind = "ip"
	KindURL    Kind = "url"
	KindHeader Kind = "header"
	KindQuery  Kind = "query"
	KindBody   Kind = "body"
)

// keyPrefix namespaces bucket keys per strategy kind so two strategies
// sharing a string never collide in the store.
const keyPrefix = "rl:"

// PerValueBucket binds bucket parameters to one enumerated value. The
// meaning of Value depends on the kind: an exact path for url, a header name
// for header, a parameter name for query and a field name for body.
type PerValueBucket struct {
	Value  string
	Params bucket.Params
}

// Config is the construction-time description of one strategy.
type Config struct {
	Kind         Kind
	GlobalBucket *bucket.Params
	PerValue     []PerValueBucket
}

// Check is one (key, params) pair the limiter has to run against the store.
type Check struct {
	Key    string
	Params bucket.Params
}

// Strategy is an immutable, share-nothing evaluator for one configured rule.
type Strategy struct {
	kind     Kind
	global   *bucket.Params
	perValue []PerValueBucket
}

// New validates a Config and builds the Strategy.
func New(cfg Config) (*Strategy, error) {
	switch cfg.Kind {
	case KindIP, KindURL, KindHeader, KindQuery, KindBody:
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", cfg.Kind)
	}

	if cfg.GlobalBucket == nil && len(cfg.PerValue) == 0 {
		return nil, fmt.Errorf("%s strategy: either global_bucket or buckets_per_value is required", cfg.Kind)
	}

	switch cfg.Kind {
	case KindQuery, KindBody:
		if cfg.GlobalBucket != nil {
			return nil, fmt.Errorf("%s strategy: global_bucket is not accepted, use buckets_per_value", cfg.Kind)
		}
	case KindIP:
		if len(cfg.PerValue) > 0 {
			return nil, fmt.Errorf("ip strategy: buckets_per_value is not accepted, use global_bucket")
		}
	}

	if cfg.GlobalBucket != nil {
		if err := validateParams(*cfg.GlobalBucket); err != nil {
			return nil, fmt.Errorf("%s strategy global_bucket: %w", cfg.Kind, err)
		}
	}
	for _, pv := range cfg.PerValue {
		if pv.Value == "" {
			return nil, fmt.Errorf("%s strategy: bucket with empty value", cfg.Kind)
		}
		if err := validateParams(pv.Params); err != nil {
			return nil, fmt.Errorf("%s strategy bucket for %q: %w", cfg.Kind, pv.Value, err)
		}
	}

	return &Strategy{
		kind:     cfg.Kind,
		global:   cfg.GlobalBucket,
		perValue: cfg.PerValue,
	}, nil
}

func validateParams(p bucket.Params) error {
	if p.Capacity < 1 {
		return fmt.Errorf("tokens_count must be positive, got %d", p.Capacity)
	}
	if p.RefillInterval < time.Second {
		return fmt.Errorf("add_tokens_every must be a positive number of seconds, got %s", p.RefillInterval)
	}
	return nil
}

func (s *Strategy) Kind() Kind {
	return s.kind
}

// NeedsBody reports whether evaluating this strategy requires the request
// body to have been buffered.
func (s *Strategy) NeedsBody() bool {
	return s.kind == KindBody
}

// Emit derives the bucket checks for one request. A value that cannot be
// extracted yields no check for it; an empty result admits by definition.
// When a request's value is covered by a per-value bucket, the global bucket
// is not charged for it.
func (s *Strategy) Emit(f *extract.Fingerprint) []Check {
	switch s.kind {
	case KindIP:
		return s.emitIP(f)
	case KindURL:
		return s.emitURL(f)
	case KindHeader:
		return s.emitHeader(f)
	case KindQuery:
		return s.emitLookup(f.QueryValue)
	case KindBody:
		return s.emitLookup(f.BodyField)
	}
	return nil
}

func (s *Strategy) emitIP(f *extract.Fingerprint) []Check {
	if f.ClientIP == "" {
		return nil
	}
	return []Check{{Key: s.key(f.ClientIP), Params: *s.global}}
}

func (s *Strategy) emitURL(f *extract.Fingerprint) []Check {
	for _, pv := range s.perValue {
		if pv.Value == f.Path {
			return []Check{{Key: s.key(f.Path), Params: pv.Params}}
		}
	}
	if s.global == nil {
		return nil
	}
	// one bucket per distinct path, all sharing the global parameters
	return []Check{{Key: s.key(f.Path), Params: *s.global}}
}

func (s *Strategy) emitHeader(f *extract.Fingerprint) []Check {
	var checks []Check
	for _, pv := range s.perValue {
		if v, ok := f.HeaderValue(pv.Value); ok {
			checks = append(checks, Check{Key: s.key(pv.Value + ":" + v), Params: pv.Params})
		}
	}
	if len(checks) > 0 || s.global == nil {
		return checks
	}
	// none of the enumerated headers present: the global bucket keys on the
	// Authorization value so distinct callers get distinct buckets, with a
	// shared bucket for anonymous traffic
	if v, ok := f.HeaderValue("Authorization"); ok {
		return []Check{{Key: s.key(v), Params: *s.global}}
	}
	return []Check{{Key: s.key("*"), Params: *s.global}}
}

func (s *Strategy) emitLookup(lookup func(string) (string, bool)) []Check {
	var checks []Check
	for _, pv := range s.perValue {
		if v, ok := lookup(pv.Value); ok {
			checks = append(checks, Check{Key: s.key(pv.Value + ":" + v), Params: pv.Params})
		}
	}
	return checks
}

func (s *Strategy) key(rest string) string {
	return keyPrefix + string(s.kind) + ":" + rest
}
