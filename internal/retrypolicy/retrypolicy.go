// Package retrypolicy categorizes job errors and computes jittered
// backoff delays. It is pure computation: no I/O, and it never sleeps.
// Callers hand the returned delay to the queue substrate's delayed
// scheduling; blocking a worker in-process would starve the pool.
package retrypolicy

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/calvora/cadence/internal/config"
)

// Category is the error bucket a failure falls into. Each bucket has
// its own backoff tuple tuned to the expected recovery time of that
// failure class.
type Category string

// Error categories.
const (
	CategoryNetwork   Category = "network"
	CategoryDatabase  Category = "database"
	CategoryAIService Category = "ai_service"
	CategoryResource  Category = "resource"
	CategoryUnknown   Category = "unknown"
)

// Error classes that can never succeed on retry.
const (
	ClassNotFound       = "not_found"
	ClassUniqueness     = "uniqueness_violation"
	ClassAuthentication = "authentication_required"
)

// Categorizer lets an error declare its own retry category, taking
// precedence over type inspection. The AI client wraps its errors this
// way.
type Categorizer interface {
	RetryCategory() Category
}

// Params is the backoff tuple for one category.
type Params struct {
	Base           time.Duration
	MaxInterval    time.Duration
	Multiplier     float64
	JitterFraction float64
	MaxAttempts    int
}

// Engine computes retry decisions. Safe for concurrent use.
type Engine struct {
	params    map[Category]Params
	hardLimit int

	// randFloat returns a uniform value in [0,1); injectable for tests.
	randFloat func() float64
}

// NewEngine builds an Engine from configuration. The unknown category
// shares the network tuple: unrecognized errors are assumed to be
// transient connectivity problems.
func NewEngine(cfg config.RetryConfig) *Engine {
	toParams := func(c config.RetryCategoryConfig) Params {
		return Params{
			Base:           c.Base,
			MaxInterval:    c.MaxInterval,
			Multiplier:     c.Multiplier,
			JitterFraction: c.JitterFraction,
			MaxAttempts:    c.MaxAttempts,
		}
	}
	network := toParams(cfg.Network)
	return &Engine{
		params: map[Category]Params{
			CategoryNetwork:   network,
			CategoryDatabase:  toParams(cfg.Database),
			CategoryAIService: toParams(cfg.AIService),
			CategoryResource:  toParams(cfg.Resource),
			CategoryUnknown:   network,
		},
		hardLimit: cfg.HardAttemptLimit,
		randFloat: rand.Float64,
	}
}

// Categorize maps an error to its retry category. Type-based checks
// run first; generic errors fall through a message substring heuristic
// before defaulting to the network bucket. It needs no engine state,
// so callers that only classify can avoid constructing one.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var categorizer Categorizer
	if errors.As(err, &categorizer) {
		return categorizer.RetryCategory()
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return CategoryDatabase
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "resource") || strings.Contains(msg, "capacity") {
		return CategoryResource
	}

	return CategoryNetwork
}

// Delay computes the jittered backoff delay before the given attempt
// (1-based) for the category:
//
//	min(base * multiplier^(attempt-1), maxInterval) ± jitterFraction
//
// widened by a symmetric uniform random offset. The batch fan-out
// scheduler uses a different, deterministic jitter on purpose; the two
// strategies are intentionally not unified.
func (e *Engine) Delay(attempt int, category Category) time.Duration {
	p, ok := e.params[category]
	if !ok {
		p = e.params[CategoryUnknown]
	}
	if attempt < 1 {
		attempt = 1
	}

	raw := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if capped := float64(p.MaxInterval); raw > capped {
		raw = capped
	}

	// Symmetric uniform jitter: delay * (1 ± jitterFraction).
	offset := (e.randFloat()*2 - 1) * p.JitterFraction
	jittered := raw * (1 + offset)
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

// DelayFor categorizes the error and computes the delay in one call.
func (e *Engine) DelayFor(err error, attempt int) time.Duration {
	return e.Delay(attempt, Categorize(err))
}

// MaxAttempts returns the per-category attempt cap.
func (e *Engine) MaxAttempts(category Category) int {
	p, ok := e.params[category]
	if !ok {
		p = e.params[CategoryUnknown]
	}
	return p.MaxAttempts
}

// ShouldRetry reports whether a failure with the given error class may
// be retried after attemptCount attempts. Retries stop at the hard
// global ceiling regardless of category, and immediately for error
// classes that cannot possibly succeed on retry.
func (e *Engine) ShouldRetry(errorClass string, attemptCount int) bool {
	if attemptCount >= e.hardLimit {
		return false
	}
	switch errorClass {
	case ClassNotFound, ClassUniqueness, ClassAuthentication:
		return false
	}
	return true
}
