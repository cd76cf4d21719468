package bucket

import (
	"context"
	"time"
)

// Params is the refill policy of one bucket: the maximum number of tokens it
// holds (also granted on creation) and how long it takes to add one token.
type Params struct {
	Capacity       int
	RefillInterval time.Duration
}

// Outcome is the result of a try-consume operation.
type Outcome uint8

const (
	Denied Outcome = iota
	Admitted
)

var outcomeStrings = map[Outcome]string{
	Denied:   "Denied",
	Admitted: "Admitted",
}

func (o Outcome) String() string {
	return outcomeStrings[o]
}

// Result carries the outcome of a try-consume together with the number of
// tokens left in the bucket after the operation.
type Result struct {
	Outcome   Outcome
	Remaining int
}

// Store hands out single tokens from named buckets. TryConsume applies the
// refill policy and removes one token in a single atomic step, so concurrent
// callers across replicas never over-admit. An error means the store could
// not be consulted at all; it is not a denial.
type Store interface {
	TryConsume(ctx context.Context, key string, p Params) (Result, error)
}
