// Package extbroker gates every outbound provider call behind the
// capability model: deny-wins action lists, access-level envelopes,
// task binding, backpressure, idempotency replay, and per-provider rate
// limits with a circuit breaker. Every decision, including denials, is
// an append-only ext_calls row; raw parameters are never persisted.
package extbroker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"opsplane/internal/events"
	"opsplane/internal/ids"
	"opsplane/internal/metrics"
	"opsplane/internal/policy"
	"opsplane/internal/store"
)

// Denial reasons recorded on rejected calls.
const (
	DenyNoCapability      = "NO_CAPABILITY"
	DenyByPolicy          = "DENIED_BY_POLICY"
	DenyNotAllowed        = "NOT_ALLOWED"
	DenyInsufficientLevel = "INSUFFICIENT_LEVEL"
	DenyTaskRequired      = "TASK_REQUIRED"
	DenyTaskNotFound      = "TASK_NOT_FOUND"
	DenyTaskNotExecutable = "TASK_NOT_EXECUTABLE"
	DenyGroupMismatch     = "GROUP_MISMATCH"
	DenyBackpressure      = "BACKPRESSURE"
	DenyRateLimited       = "RATE_LIMITED"
	DenyDailyQuota        = "DAILY_QUOTA"
	DenyBreakerOpen       = "BREAKER_OPEN"
)

// capacityDenials map to 429 at the HTTP surface; the rest are 403.
var capacityDenials = map[string]bool{
	DenyBackpressure: true,
	DenyRateLimited:  true,
	DenyDailyQuota:   true,
	DenyBreakerOpen:  true,
}

// IsCapacityDenial reports whether reason is a transient capacity
// rejection (retry after backoff) rather than a policy one.
func IsCapacityDenial(reason string) bool { return capacityDenials[reason] }

// Config tunes the broker.
type Config struct {
	HMACSecret      string
	MaxPending      int            // pending calls per group before BACKPRESSURE
	RateLimits      map[string]int // per-provider calls per minute; 0 = unlimited
	DailyQuotas     map[string]int // per-provider executed calls per UTC day
	BreakerFailures int            // consecutive failures tripping the breaker
	BreakerOpenFor  time.Duration
}

// Broker authorizes and audits external provider calls.
type Broker struct {
	cfg   Config
	store *store.Store
	bus   *events.Bus
	now   func() time.Time

	// idemCache fronts the executed-call idempotency lookup so hot
	// replays skip the database.
	idemCache *gocache.Cache

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	// inflight holds the breaker settlement callback per request until a
	// terminal status arrives.
	inflight map[string]func(bool)
}

// New builds a broker.
func New(cfg Config, st *store.Store, bus *events.Bus) *Broker {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 30 * time.Second
	}
	return &Broker{
		cfg:       cfg,
		store:     st,
		bus:       bus,
		now:       time.Now,
		idemCache: gocache.New(time.Hour, 10*time.Minute),
		limiters:  make(map[string]*rate.Limiter),
		breakers:  make(map[string]*gobreaker.TwoStepCircuitBreaker),
		inflight:  make(map[string]func(bool)),
	}
}

// CallRequest is one authorization request.
type CallRequest struct {
	Group          string
	Provider       string
	Action         string
	Params         map[string]any
	TaskID         string
	IdempotencyKey string
}

// CallResult is the authorization outcome. Idempotent replays carry the
// earlier call's response.
type CallResult struct {
	RequestID    string `json:"request_id"`
	Status       string `json:"status"`
	DenialReason string `json:"denial_reason,omitempty"`
	ResponseData string `json:"response_data,omitempty"`
	Replayed     bool   `json:"replayed,omitempty"`
}

// Authorize runs the authorization chain in order; the first failure
// wins and is recorded as a denied call.
func (b *Broker) Authorize(ctx context.Context, req CallRequest) (*CallResult, error) {
	now := b.now()

	grant, err := b.store.GetActiveCapability(ctx, req.Group, req.Provider, now)
	if err == store.ErrNotFound {
		return b.deny(ctx, req, 0, DenyNoCapability)
	}
	if err != nil {
		return nil, fmt.Errorf("capability lookup: %w", err)
	}

	if contains(grant.DeniedActions, req.Action) {
		return b.deny(ctx, req, grant.AccessLevel, DenyByPolicy)
	}
	if len(grant.AllowedActions) > 0 && !contains(grant.AllowedActions, req.Action) {
		return b.deny(ctx, req, grant.AccessLevel, DenyNotAllowed)
	}
	if RequiredLevel(req.Action) > grant.AccessLevel {
		return b.deny(ctx, req, grant.AccessLevel, DenyInsufficientLevel)
	}

	// Task binding: every call is tied to a governed task that is being
	// worked or awaiting approval, owned by the calling group.
	if req.TaskID == "" {
		return b.deny(ctx, req, grant.AccessLevel, DenyTaskRequired)
	}
	task, err := b.store.GetTask(ctx, b.store.DB(), req.TaskID)
	if err == store.ErrNotFound {
		return b.deny(ctx, req, grant.AccessLevel, DenyTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("task lookup: %w", err)
	}
	if task.State != store.StateDoing && task.State != store.StateApproval {
		return b.deny(ctx, req, grant.AccessLevel, DenyTaskNotExecutable)
	}
	if task.AssignedGroup != req.Group && req.Group != policy.GroupMain {
		return b.deny(ctx, req, grant.AccessLevel, DenyGroupMismatch)
	}

	pending, err := b.store.CountPendingExtCalls(ctx, b.store.DB(), req.Group)
	if err != nil {
		return nil, err
	}
	if pending >= b.cfg.MaxPending {
		return b.deny(ctx, req, grant.AccessLevel, DenyBackpressure)
	}

	// Idempotent replay returns the earlier response and writes nothing.
	if req.IdempotencyKey != "" {
		if prior, ok := b.lookupReplay(ctx, req); ok {
			return prior, nil
		}
	}

	// Capacity checks apply only to fresh executions.
	if reason := b.checkCapacity(ctx, req.Provider, now); reason != "" {
		return b.deny(ctx, req, grant.AccessLevel, reason)
	}
	settle, err := b.breakerFor(req.Provider).Allow()
	if err != nil {
		return b.deny(ctx, req, grant.AccessLevel, DenyBreakerOpen)
	}

	hash, err := HashParams([]byte(b.cfg.HMACSecret), req.Params)
	if err != nil {
		settle(true) // never executed, don't count against the breaker
		return nil, err
	}

	call := &store.ExtCall{
		RequestID:      ids.NewRequestID(),
		GroupFolder:    req.Group,
		Provider:       req.Provider,
		Action:         req.Action,
		AccessLevel:    grant.AccessLevel,
		ParamsHMAC:     hash,
		ParamsSummary:  SummarizeParams(req.Params),
		Status:         store.ExtAuthorized,
		TaskID:         req.TaskID,
		ProductID:      task.ProductID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      ids.FormatTime(now),
	}
	err = b.store.WithTx(ctx, func(tx *sql.Tx) error {
		return b.store.InsertExtCall(ctx, tx, call)
	})
	if err != nil {
		settle(true)
		return nil, err
	}

	b.mu.Lock()
	b.inflight[call.RequestID] = settle
	b.mu.Unlock()

	metrics.ExtCallsTotal.WithLabelValues(req.Provider, store.ExtAuthorized).Inc()
	return &CallResult{RequestID: call.RequestID, Status: store.ExtAuthorized}, nil
}

// statusSources defines the legal lifecycle edges for executor updates.
var statusSources = map[string][]string{
	store.ExtProcessing: {store.ExtAuthorized},
	store.ExtExecuted:   {store.ExtAuthorized, store.ExtProcessing},
	store.ExtFailed:     {store.ExtAuthorized, store.ExtProcessing},
	store.ExtTimeout:    {store.ExtAuthorized, store.ExtProcessing},
}

// UpdateStatus is the executor callback: it advances a call through its
// lifecycle, scrubbing response data and settling the breaker on
// terminal states.
func (b *Broker) UpdateStatus(ctx context.Context, requestID, newStatus, resultSummary, responseData string, durationMS int64) error {
	from, ok := statusSources[newStatus]
	if !ok {
		return fmt.Errorf("status %q is not a legal update target", newStatus)
	}
	responseData = scrubResponse(responseData)

	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		return b.store.UpdateExtCallStatus(ctx, tx, requestID, newStatus, from, resultSummary, responseData, durationMS)
	})
	if err != nil {
		return err
	}

	if newStatus == store.ExtProcessing {
		return nil
	}

	// Terminal status: settle the breaker and refresh the idempotency
	// front cache.
	b.mu.Lock()
	settle := b.inflight[requestID]
	delete(b.inflight, requestID)
	b.mu.Unlock()
	if settle != nil {
		settle(newStatus == store.ExtExecuted)
	}

	call, err := b.store.GetExtCall(ctx, b.store.DB(), requestID)
	if err == nil {
		metrics.ExtCallsTotal.WithLabelValues(call.Provider, newStatus).Inc()
		if newStatus == store.ExtExecuted && call.IdempotencyKey != "" {
			b.idemCache.SetDefault(replayKey(call.IdempotencyKey, call.Provider, call.Action),
				replayEntry{requestID: call.RequestID, responseData: call.ResponseData})
		}
	}
	return nil
}

// RunSweeper periodically deletes terminal calls older than maxAge.
// Inflight (processing) rows are never swept.
func (b *Broker) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.store.SweepExtCalls(ctx, maxAge, b.now())
			if err != nil {
				slog.Error("ext call sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("swept ext calls", "removed", n)
			}
		}
	}
}

func (b *Broker) deny(ctx context.Context, req CallRequest, level int, reason string) (*CallResult, error) {
	hash := ""
	if len(req.Params) > 0 {
		if h, err := HashParams([]byte(b.cfg.HMACSecret), req.Params); err == nil {
			hash = h
		}
	}
	call := &store.ExtCall{
		RequestID:      ids.NewRequestID(),
		GroupFolder:    req.Group,
		Provider:       req.Provider,
		Action:         req.Action,
		AccessLevel:    level,
		ParamsHMAC:     hash,
		ParamsSummary:  SummarizeParams(req.Params),
		Status:         store.ExtDenied,
		DenialReason:   reason,
		TaskID:         req.TaskID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      ids.FormatTime(b.now()),
	}
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		return b.store.InsertExtCall(ctx, tx, call)
	})
	if err != nil {
		return nil, err
	}
	metrics.ExtCallsTotal.WithLabelValues(req.Provider, store.ExtDenied).Inc()
	return &CallResult{RequestID: call.RequestID, Status: store.ExtDenied, DenialReason: reason}, nil
}

// replayEntry is the cached outcome of an executed idempotent call.
type replayEntry struct {
	requestID    string
	responseData string
}

// replayKey scopes an idempotency key to its provider and action: the
// same key against a different action is a fresh call.
func replayKey(key, provider, action string) string {
	return key + "|" + provider + "|" + action
}

func (b *Broker) lookupReplay(ctx context.Context, req CallRequest) (*CallResult, bool) {
	key := replayKey(req.IdempotencyKey, req.Provider, req.Action)
	if cached, ok := b.idemCache.Get(key); ok {
		if entry, ok := cached.(replayEntry); ok {
			return &CallResult{
				RequestID:    entry.requestID,
				Status:       store.ExtExecuted,
				ResponseData: entry.responseData,
				Replayed:     true,
			}, true
		}
	}
	prior, err := b.store.FindExecutedByIdempotencyKey(ctx, b.store.DB(), req.IdempotencyKey, req.Provider, req.Action)
	if err != nil {
		return nil, false
	}
	b.idemCache.SetDefault(key, replayEntry{requestID: prior.RequestID, responseData: prior.ResponseData})
	return &CallResult{
		RequestID:    prior.RequestID,
		Status:       store.ExtExecuted,
		ResponseData: prior.ResponseData,
		Replayed:     true,
	}, true
}

// checkCapacity enforces the per-provider rate limit and daily quota.
func (b *Broker) checkCapacity(ctx context.Context, provider string, now time.Time) string {
	if lim := b.limiterFor(provider); lim != nil && !lim.Allow() {
		return DenyRateLimited
	}
	if quota := b.cfg.DailyQuotas[provider]; quota > 0 {
		n, err := b.store.CountExecutedToday(ctx, provider, now)
		if err == nil && n >= quota {
			return DenyDailyQuota
		}
	}
	return ""
}

func (b *Broker) limiterFor(provider string) *rate.Limiter {
	perMinute := b.cfg.RateLimits[provider]
	if perMinute <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.limiters[provider]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		b.limiters[provider] = lim
	}
	return lim
}

func (b *Broker) breakerFor(provider string) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[provider]
	if !ok {
		failures := uint32(b.cfg.BreakerFailures)
		cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:    provider,
			Timeout: b.cfg.BreakerOpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				b.bus.Publish(events.TopicBreakerState, map[string]any{
					"provider": name,
					"state":    breakerStateName(to),
				})
			},
		})
		b.breakers[provider] = cb
	}
	return cb
}

func breakerStateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
