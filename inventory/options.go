package inventory

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rules holds ledger policies that differ between deployments.
type Rules struct {
	// AllowCentralIssueToPerson lets a central store issue directly to a
	// named recipient instead of only to project stores.
	AllowCentralIssueToPerson bool
}

type options struct {
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
	rules  Rules
	posted func(MovementType, decimal.Decimal)
}

// Option configures a Ledger, Registry or Service.
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now. Tests use it to pin "today".
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithIDGenerator(f func() string) Option {
	return func(o *options) { o.newID = f }
}

func WithRules(r Rules) Option {
	return func(o *options) { o.rules = r }
}

// WithPostedHook is called once for every movement the ledger writes.
// Request id replays return the stored row without calling it.
func WithPostedHook(f func(movement MovementType, quantity decimal.Decimal)) Option {
	return func(o *options) { o.posted = f }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
		posted: func(MovementType, decimal.Decimal) {},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// clock hands out strictly increasing UTC timestamps at microsecond
// resolution, the precision PostgreSQL keeps. Rows created by one process
// therefore sort in creation order even when the wall clock stalls.
type clock struct {
	now  func() time.Time
	mu   sync.Mutex
	last time.Time
}

func (c *clock) stamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
