// Package alerts turns bus events into operator alerts: worker-offline
// grace timers, dispatch-failure thresholds, and immediate breaker-open
// notices, all deduplicated within a rolling window.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"opsplane/internal/events"
	"opsplane/internal/metrics"
)

// Alert rule names, also the dedup-key prefix.
const (
	RuleWorkerOffline = "worker_offline"
	RuleDispatchFail  = "dispatch_fail"
	RuleBreakerOpen   = "breaker_open"
)

// SendFunc delivers one alert body. Tests inject a recorder; production
// wires Telegram (or nothing, in which case alerts are logged only).
type SendFunc func(text string) error

// Config tunes the alert rules.
type Config struct {
	WorkerOfflineGrace time.Duration // delay before an offline worker alerts
	DispatchFailThresh int           // failures within the window that trip an alert
	DispatchFailWindow time.Duration
	DedupWindow        time.Duration // repeat alerts inside it are swallowed
}

// Engine consumes bus events and emits alerts.
type Engine struct {
	cfg  Config
	bus  *events.Bus
	send SendFunc

	dedup *gocache.Cache

	mu            sync.Mutex
	offlineTimers map[string]*time.Timer
	failTimes     []time.Time
}

// New builds an alert engine. send may be nil; alerts are then only
// logged and counted.
func New(cfg Config, bus *events.Bus, send SendFunc) *Engine {
	if cfg.WorkerOfflineGrace <= 0 {
		cfg.WorkerOfflineGrace = 120 * time.Second
	}
	if cfg.DispatchFailThresh <= 0 {
		cfg.DispatchFailThresh = 3
	}
	if cfg.DispatchFailWindow <= 0 {
		cfg.DispatchFailWindow = 5 * time.Minute
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	return &Engine{
		cfg:           cfg,
		bus:           bus,
		send:          send,
		dedup:         gocache.New(cfg.DedupWindow, cfg.DedupWindow),
		offlineTimers: make(map[string]*time.Timer),
	}
}

// Run subscribes to the bus and processes events until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ch, unsubscribe := e.bus.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			e.stopTimers()
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.Handle(ev)
		}
	}
}

// Handle applies the alert rules to one event. Exported so tests can
// drive the engine without a live bus.
func (e *Engine) Handle(ev events.Event) {
	switch ev.Topic {
	case events.TopicWorkerStatus:
		e.handleWorkerStatus(ev.Payload)
	case events.TopicDispatchLifecycle:
		e.handleDispatch(ev.Payload)
	case events.TopicBreakerState:
		e.handleBreaker(ev.Payload)
	}
}

func (e *Engine) handleWorkerStatus(payload map[string]any) {
	workerID, _ := payload["worker_id"].(string)
	status, _ := payload["status"].(string)
	if workerID == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch status {
	case "offline":
		if _, pending := e.offlineTimers[workerID]; pending {
			return
		}
		id := workerID
		e.offlineTimers[id] = time.AfterFunc(e.cfg.WorkerOfflineGrace, func() {
			e.mu.Lock()
			delete(e.offlineTimers, id)
			e.mu.Unlock()
			e.emit(RuleWorkerOffline, id,
				fmt.Sprintf("worker %s has been offline for %s", id, e.cfg.WorkerOfflineGrace))
		})
	case "online":
		if timer, pending := e.offlineTimers[workerID]; pending {
			timer.Stop()
			delete(e.offlineTimers, workerID)
		}
	}
}

func (e *Engine) handleDispatch(payload map[string]any) {
	status, _ := payload["status"].(string)
	if status != "FAILED" {
		return
	}

	now := time.Now()
	e.mu.Lock()
	cutoff := now.Add(-e.cfg.DispatchFailWindow)
	kept := e.failTimes[:0]
	for _, t := range e.failTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.failTimes = append(kept, now)
	count := len(e.failTimes)
	e.mu.Unlock()

	if count >= e.cfg.DispatchFailThresh {
		e.emit(RuleDispatchFail, "dispatch",
			fmt.Sprintf("%d dispatch failures within %s", count, e.cfg.DispatchFailWindow))
	}
}

func (e *Engine) handleBreaker(payload map[string]any) {
	state, _ := payload["state"].(string)
	if state != "OPEN" {
		return
	}
	provider, _ := payload["provider"].(string)
	e.emit(RuleBreakerOpen, provider,
		fmt.Sprintf("circuit breaker for provider %s is OPEN", provider))
}

// emit sends one alert unless the same (rule, subject) fired within the
// dedup window.
func (e *Engine) emit(rule, subject, text string) {
	key := rule + "|" + subject
	if _, seen := e.dedup.Get(key); seen {
		return
	}
	e.dedup.SetDefault(key, struct{}{})

	metrics.AlertsTotal.WithLabelValues(rule).Inc()
	slog.Warn("alert", "rule", rule, "subject", subject, "text", text)
	if e.send == nil {
		return
	}
	if err := e.send(text); err != nil {
		slog.Error("alert send failed", "rule", rule, "error", err)
	}
}

func (e *Engine) stopTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, timer := range e.offlineTimers {
		timer.Stop()
		delete(e.offlineTimers, id)
	}
}
