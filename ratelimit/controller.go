package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stephnangue/vmgate/alert"
	"github.com/stephnangue/vmgate/logger"
)

const storeRetries = 3

var (
	// ErrStoreUnavailable means the counting store stayed unreachable
	// through all retries
	ErrStoreUnavailable = errors.New("rate limit counter store unavailable")

	// ErrUnknownClass means the class has no policy entry
	ErrUnknownClass = errors.New("unknown rate limit class")
)

// DeniedError carries the structured denial handed back to callers so the
// transport layer can render a Retry-After without guessing.
type DeniedError struct {
	Class      Class
	ScopeKey   string
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for class %q, retry after %s", e.Class, e.RetryAfter)
}

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	Class      Class
	Remaining  int64
	RetryAfter time.Duration
	// Degraded marks decisions taken while the counting store was
	// unreachable
	Degraded bool
}

// Config assembles a Controller
type Config struct {
	Store    CounterStore
	Policy   Policy
	Notifier alert.Notifier
	Logger   *logger.GatedLogger
}

// Controller admits or denies requests against the per-class windows.
// Scope keys never mix across classes because the store key embeds the
// class name.
type Controller struct {
	store    CounterStore
	policy   Policy
	notifier alert.Notifier
	log      *logger.GatedLogger
}

// NewController builds an admission controller. Classes missing from the
// supplied policy fall back to the defaults.
func NewController(conf Config) (*Controller, error) {
	if conf.Store == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	policy := DefaultPolicy()
	for class, limit := range conf.Policy {
		policy[class] = limit
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit policy: %w", err)
	}
	return &Controller{
		store:    conf.Store,
		policy:   policy,
		notifier: conf.Notifier,
		log:      conf.Logger,
	}, nil
}

// Admit records one request for scopeKey under class and decides whether
// it may proceed. A denial comes back as a non-nil Decision together with
// a *DeniedError. When the store is unreachable the class's failure mode
// decides: fail-open classes are admitted degraded, fail-closed classes
// are denied for a full window.
func (c *Controller) Admit(ctx context.Context, scopeKey string, class Class) (*Decision, error) {
	limit, ok := c.policy[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}

	key := fmt.Sprintf("ratelimit:%s:%s", class, scopeKey)

	count, remaining, err := c.incrWithRetry(ctx, key, limit.Window)
	if err != nil {
		return c.degradedDecision(ctx, scopeKey, class, limit, err)
	}

	if count > limit.MaxRequests {
		c.logWarn("request denied by rate limit",
			logger.String("class", string(class)),
			logger.String("scope_key", scopeKey),
			logger.Int64("count", count),
			logger.Int64("max", limit.MaxRequests),
			logger.Duration("retry_after", remaining),
		)
		c.notifyDenial(ctx, scopeKey, class, count, limit)
		dec := &Decision{
			Allowed:    false,
			Class:      class,
			Remaining:  0,
			RetryAfter: remaining,
		}
		return dec, &DeniedError{Class: class, ScopeKey: scopeKey, RetryAfter: remaining}
	}

	return &Decision{
		Allowed:    true,
		Class:      class,
		Remaining:  limit.MaxRequests - count,
		RetryAfter: 0,
	}, nil
}

func (c *Controller) incrWithRetry(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt < storeRetries; attempt++ {
		count, remaining, err := c.store.Incr(ctx, key, window)
		if err == nil {
			return count, remaining, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return 0, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

func (c *Controller) degradedDecision(ctx context.Context, scopeKey string, class Class, limit Limit, storeErr error) (*Decision, error) {
	if class.FailsClosed() {
		c.logError("counter store unreachable, denying fail-closed class",
			logger.String("class", string(class)),
			logger.String("scope_key", scopeKey),
			logger.Err(storeErr),
		)
		c.notifyDenial(ctx, scopeKey, class, 0, limit)
		dec := &Decision{
			Allowed:    false,
			Class:      class,
			RetryAfter: limit.Window,
			Degraded:   true,
		}
		return dec, &DeniedError{Class: class, ScopeKey: scopeKey, RetryAfter: limit.Window}
	}

	c.logWarn("counter store unreachable, admitting fail-open class",
		logger.String("class", string(class)),
		logger.String("scope_key", scopeKey),
		logger.Err(storeErr),
	)
	return &Decision{
		Allowed:  true,
		Class:    class,
		Degraded: true,
	}, nil
}

func (c *Controller) notifyDenial(ctx context.Context, scopeKey string, class Class, count int64, limit Limit) {
	if c.notifier == nil {
		return
	}

	var severity alert.Severity
	switch class {
	case ClassAuthentication:
		severity = alert.SeverityHigh
	case ClassVMConnection:
		severity = alert.SeverityMedium
	default:
		return
	}

	a := &alert.Alert{
		Kind:      "rate_limit_denial",
		Severity:  severity,
		ScopeKey:  scopeKey,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]string{
			"class":  string(class),
			"count":  fmt.Sprintf("%d", count),
			"max":    fmt.Sprintf("%d", limit.MaxRequests),
			"window": limit.Window.String(),
		},
	}
	if err := c.notifier.Notify(ctx, a); err != nil {
		c.logError("failed to deliver rate limit alert",
			logger.String("class", string(class)),
			logger.Err(err),
		)
	}
}

func (c *Controller) logWarn(msg string, fields ...logger.TypedField) {
	if c.log != nil {
		c.log.Warn(msg, fields...)
	}
}

func (c *Controller) logError(msg string, fields ...logger.TypedField) {
	if c.log != nil {
		c.log.Error(msg, fields...)
	}
}
