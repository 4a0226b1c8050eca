// Package failover implements the provider failover engine: an ordered
// model chain tried with per-model retries, attempt timeouts and circuit
// breaker skips until one model answers. A call fails only when the whole
// chain is exhausted; everything below that is absorbed and logged.
package failover

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/clock"
	"github.com/jholhewres/clawgate/pkg/clawgate/health"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

// Config tunes the failover engine.
type Config struct {
	// Preset selects a named chain (fast|balanced|high|local) when Chain
	// is empty (default: balanced).
	Preset string `yaml:"preset"`

	// Chain overrides the preset with an explicit ordered model list.
	Chain []string `yaml:"chain"`

	// MaxRetries is the number of attempts per model (default: 2).
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base delay between retries of the same model;
	// the actual delay is RetryDelay * 2^retry (default: 500ms).
	RetryDelay time.Duration `yaml:"retry_delay"`

	// AttemptTimeout bounds a single provider call. A response arriving
	// after the timeout is discarded, never applied (default: 60s).
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Preset:         "balanced",
		MaxRetries:     2,
		RetryDelay:     500 * time.Millisecond,
		AttemptTimeout: 60 * time.Second,
	}
}

// Effective returns a copy with defaults filled in for zero values.
func (c Config) Effective() Config {
	out := c
	if out.Preset == "" {
		out.Preset = "balanced"
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 2
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 500 * time.Millisecond
	}
	if out.AttemptTimeout <= 0 {
		out.AttemptTimeout = 60 * time.Second
	}
	return out
}

// CallOptions extends provider options with per-call routing.
type CallOptions struct {
	provider.Options

	// PreferredModel, when set, is tried before the configured chain.
	PreferredModel string
}

// Result aggregates a successful failover call.
type Result struct {
	// Model is the winning "vendor/model".
	Model string `json:"model"`

	// Response is the provider response.
	Response *provider.Response `json:"response"`

	// Attempts is the total number of provider calls made, across all
	// models, including the winning one.
	Attempts int `json:"attempts"`

	// FailedModels lists the models that failed (or were skipped while
	// circuit-broken) before the winner, in chain order.
	FailedModels []string `json:"failed_models,omitempty"`

	// Elapsed is the total wall-clock time of the failover call.
	Elapsed time.Duration `json:"elapsed"`

	// UsedFallback is true when a streaming call delivered partial
	// content and had to complete via the non-streaming path; the relay
	// then carries the full response content on the terminal delta.
	UsedFallback bool `json:"used_fallback,omitempty"`
}

// ExhaustedError is returned when every model in the chain failed.
type ExhaustedError struct {
	FailedModels []string
	Attempts     int
	LastErr      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all models exhausted after %d attempts (failed: %s): %v",
		e.Attempts, strings.Join(e.FailedModels, ", "), e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// ErrAttemptTimeout marks a provider call abandoned by the attempt timer.
var ErrAttemptTimeout = fmt.Errorf("provider attempt timed out")

// Engine drives the failover chain against a provider, sharing the health
// tracker with the channel layer.
type Engine struct {
	provider provider.Provider
	tracker  *health.Tracker
	clock    clock.Clock
	logger   *slog.Logger
	cfg      Config
}

// NewEngine creates a failover engine.
func NewEngine(p provider.Provider, cfg Config, tracker *health.Tracker, clk clock.Clock, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		provider: p,
		tracker:  tracker,
		clock:    clk,
		logger:   logger.With("component", "failover"),
		cfg:      cfg.Effective(),
	}
}

// Chain resolves the effective model chain for a call: the preferred
// model (if any) followed by the configured chain or preset, deduplicated
// with order preserved.
func (e *Engine) Chain(preferred string) []string {
	base := e.cfg.Chain
	if len(base) == 0 {
		base = PresetChain(e.cfg.Preset)
	}
	if len(base) == 0 {
		base = PresetChain("balanced")
	}

	chain := make([]string, 0, len(base)+1)
	seen := make(map[string]bool, len(base)+1)
	if preferred != "" {
		chain = append(chain, preferred)
		seen[preferred] = true
	}
	for _, model := range base {
		if !seen[model] {
			chain = append(chain, model)
			seen[model] = true
		}
	}
	return chain
}

// ChatWithFailover walks the chain until one model answers. Models with
// an open breaker are skipped without an attempt but still recorded as
// failed. The call errors only on full chain exhaustion.
func (e *Engine) ChatWithFailover(ctx context.Context, messages []provider.Message, opts CallOptions) (*Result, error) {
	return e.run(ctx, messages, opts, nil)
}

// StreamChatWithFailover is ChatWithFailover with streaming delivery: fn
// receives events in generation order. If a stream breaks after partial
// content was already delivered, every remaining attempt — fallback,
// retry or next model in the chain — runs non-streaming so fn never sees
// the same prefix twice, and the result is marked UsedFallback; the
// caller's relay then delivers the full content on the terminal event.
func (e *Engine) StreamChatWithFailover(ctx context.Context, messages []provider.Message, opts CallOptions, fn provider.StreamFunc) (*Result, error) {
	return e.run(ctx, messages, opts, fn)
}

func (e *Engine) run(ctx context.Context, messages []provider.Message, opts CallOptions, fn provider.StreamFunc) (*Result, error) {
	start := e.clock.Now()
	chain := e.Chain(opts.PreferredModel)

	attempts := 0
	streamPartial := false
	var failed []string
	var lastErr error

	for _, model := range chain {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Circuit-broken models are skipped silently: zero attempts,
		// but they still count as failed for the caller.
		if !e.tracker.IsAvailable(model) {
			e.logger.Debug("skipping circuit-broken model", "model", model)
			failed = append(failed, model)
			continue
		}

		// Once partial content has reached the caller, every further
		// attempt in the chain runs non-streaming: re-streaming from
		// scratch would duplicate the already-delivered prefix.
		callFn := fn
		if streamPartial {
			callFn = nil
		}

		resp, made, partial, err := e.tryModel(ctx, model, messages, opts, callFn)
		attempts += made
		if partial {
			streamPartial = true
		}
		if err == nil {
			e.tracker.RecordSuccess(model)
			return &Result{
				Model:        model,
				Response:     resp,
				Attempts:     attempts,
				FailedModels: failed,
				Elapsed:      e.clock.Now().Sub(start),
				UsedFallback: streamPartial,
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		failed = append(failed, model)
		e.tracker.RecordFailure(model)
		e.logger.Warn("model exhausted, advancing along the chain",
			"model", model,
			"attempts", made,
			"error", err)
	}

	return nil, &ExhaustedError{
		FailedModels: failed,
		Attempts:     attempts,
		LastErr:      lastErr,
	}
}

// tryModel attempts a single model up to MaxRetries times with
// exponential backoff between retries. Returns the response, the number
// of attempts made, and whether a stream broke after partial content had
// already been delivered. Once that happens, every remaining attempt for
// this model runs non-streaming.
func (e *Engine) tryModel(ctx context.Context, model string, messages []provider.Message, opts CallOptions, fn provider.StreamFunc) (*provider.Response, int, bool, error) {
	var lastErr error
	made := 0
	partial := false

	for retry := 0; retry < e.cfg.MaxRetries; retry++ {
		if retry > 0 {
			delay := e.cfg.RetryDelay << (retry - 1)
			if err := e.clock.Sleep(ctx, delay); err != nil {
				return nil, made, partial, err
			}
		}

		made++
		resp, streamed, err := e.attemptOnce(ctx, model, messages, opts, fn)
		if err == nil {
			return resp, made, partial, nil
		}
		lastErr = err

		// Partial content already reached the caller: retrying the
		// stream would duplicate it. Complete via the non-streaming
		// path instead and let the relay deliver the full content on
		// the terminal event.
		if fn != nil && streamed {
			partial = true
			fn = nil
			e.logger.Warn("stream broke mid-response, completing via non-streaming call",
				"model", model, "error", err)
			made++
			resp, err = e.attemptChat(ctx, model, messages, opts.Options)
			if err == nil {
				return resp, made, true, nil
			}
			lastErr = err
		}
	}

	return nil, made, partial, lastErr
}

// attemptOnce races one provider call against the attempt timeout. A late
// response after the timer fires is discarded, never applied: the result
// channel is buffered and abandoned.
func (e *Engine) attemptOnce(ctx context.Context, model string, messages []provider.Message, opts CallOptions, fn provider.StreamFunc) (*provider.Response, bool, error) {
	type outcome struct {
		resp *provider.Response
		err  error
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// streamed is shared with the provider goroutine, which may outlive
	// the timeout branch of the select below.
	var streamed atomic.Bool
	wrapped := fn
	if fn != nil {
		wrapped = func(ev provider.StreamEvent) error {
			streamed.Store(true)
			return fn(ev)
		}
	}

	ch := make(chan outcome, 1)
	go func() {
		var resp *provider.Response
		var err error
		if wrapped != nil {
			resp, err = e.provider.StreamChat(attemptCtx, model, messages, opts.Options, wrapped)
		} else {
			resp, err = e.provider.Chat(attemptCtx, model, messages, opts.Options)
		}
		ch <- outcome{resp, err}
	}()

	select {
	case out := <-ch:
		return out.resp, streamed.Load(), out.err
	case <-e.clock.After(e.cfg.AttemptTimeout):
		cancel()
		e.logger.Warn("provider attempt timed out", "model", model, "timeout", e.cfg.AttemptTimeout)
		return nil, streamed.Load(), ErrAttemptTimeout
	case <-ctx.Done():
		return nil, streamed.Load(), ctx.Err()
	}
}

// attemptChat is a single timed non-streaming call (fallback path).
func (e *Engine) attemptChat(ctx context.Context, model string, messages []provider.Message, opts provider.Options) (*provider.Response, error) {
	type outcome struct {
		resp *provider.Response
		err  error
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		resp, err := e.provider.Chat(attemptCtx, model, messages, opts)
		ch <- outcome{resp, err}
	}()

	select {
	case out := <-ch:
		return out.resp, out.err
	case <-e.clock.After(e.cfg.AttemptTimeout):
		cancel()
		return nil, ErrAttemptTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
