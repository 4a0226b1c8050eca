package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/clock"
	"github.com/jholhewres/clawgate/pkg/clawgate/health"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

// scriptedProvider fails or succeeds per model according to a script.
type scriptedProvider struct {
	mu sync.Mutex

	// failures maps model → number of times it fails before succeeding.
	// -1 means it always fails.
	failures map[string]int

	// calls records every attempt in order as "model#n".
	calls []string

	// slow, when set, makes every call block until the context ends.
	slow bool

	// streamTokens are emitted per successful StreamChat call.
	streamTokens []string

	// breakAfter, when > 0, makes StreamChat fail after emitting that
	// many tokens (once), to exercise the mid-stream fallback.
	breakAfter int
	broke      bool
}

func (p *scriptedProvider) attempt(ctx context.Context, model string) error {
	p.mu.Lock()
	n := 0
	for _, c := range p.calls {
		if strings.HasPrefix(c, model+"#") {
			n++
		}
	}
	p.calls = append(p.calls, fmt.Sprintf("%s#%d", model, n+1))
	remaining, ok := p.failures[model]
	p.mu.Unlock()

	if p.slow {
		<-ctx.Done()
		return ctx.Err()
	}
	if !ok {
		return nil
	}
	if remaining < 0 || n < remaining {
		return fmt.Errorf("model %s unavailable", model)
	}
	return nil
}

func (p *scriptedProvider) Chat(ctx context.Context, model string, messages []provider.Message, opts provider.Options) (*provider.Response, error) {
	if err := p.attempt(ctx, model); err != nil {
		return nil, err
	}
	return &provider.Response{Content: "response from " + model}, nil
}

func (p *scriptedProvider) StreamChat(ctx context.Context, model string, messages []provider.Message, opts provider.Options, fn provider.StreamFunc) (*provider.Response, error) {
	if err := p.attempt(ctx, model); err != nil {
		return nil, err
	}

	tokens := p.streamTokens
	if len(tokens) == 0 {
		tokens = []string{"response ", "from ", model}
	}
	var acc strings.Builder
	for i, tok := range tokens {
		p.mu.Lock()
		shouldBreak := p.breakAfter > 0 && !p.broke && i == p.breakAfter
		if shouldBreak {
			p.broke = true
		}
		p.mu.Unlock()
		if shouldBreak {
			return nil, fmt.Errorf("stream interrupted")
		}
		if err := fn(provider.StreamEvent{Type: "content", Content: tok}); err != nil {
			return nil, err
		}
		acc.WriteString(tok)
	}
	return &provider.Response{Content: acc.String()}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// partialStreamProvider breaks its only stream after one token and fails
// every call for the named model, so the chain advances after partial
// content has already been delivered.
type partialStreamProvider struct {
	failing string

	mu      sync.Mutex
	streams int
}

func (p *partialStreamProvider) Chat(ctx context.Context, model string, messages []provider.Message, opts provider.Options) (*provider.Response, error) {
	if model == p.failing {
		return nil, fmt.Errorf("model %s unavailable", model)
	}
	return &provider.Response{Content: "partial plus the rest of the answer"}, nil
}

func (p *partialStreamProvider) StreamChat(ctx context.Context, model string, messages []provider.Message, opts provider.Options, fn provider.StreamFunc) (*provider.Response, error) {
	p.mu.Lock()
	p.streams++
	p.mu.Unlock()

	if err := fn(provider.StreamEvent{Type: "content", Content: "partial "}); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("stream interrupted")
}

func (p *partialStreamProvider) streamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams
}

func newTestEngine(p provider.Provider, cfg Config) (*Engine, *health.Tracker) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	tracker := health.NewTracker(health.DefaultConfig(), clock.Real(), logger)
	return NewEngine(p, cfg, tracker, clock.Real(), logger), tracker
}

func fastConfig(chain ...string) Config {
	return Config{
		Chain:          chain,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func TestChainResolution(t *testing.T) {
	t.Run("preferred model goes first", func(t *testing.T) {
		e, _ := newTestEngine(&scriptedProvider{}, fastConfig("a/one", "b/two"))
		chain := e.Chain("c/three")
		want := []string{"c/three", "a/one", "b/two"}
		for i := range want {
			if chain[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, chain)
			}
		}
	})

	t.Run("deduplicates preserving order", func(t *testing.T) {
		e, _ := newTestEngine(&scriptedProvider{}, fastConfig("a/one", "b/two", "a/one"))
		chain := e.Chain("b/two")
		want := []string{"b/two", "a/one"}
		if len(chain) != 2 || chain[0] != want[0] || chain[1] != want[1] {
			t.Fatalf("expected %v, got %v", want, chain)
		}
	})

	t.Run("preset fallback", func(t *testing.T) {
		e, _ := newTestEngine(&scriptedProvider{}, Config{Preset: "fast"})
		if len(e.Chain("")) != len(Presets["fast"]) {
			t.Error("expected preset chain")
		}
	})

	t.Run("unknown preset falls back to balanced", func(t *testing.T) {
		e, _ := newTestEngine(&scriptedProvider{}, Config{Preset: "nonsense"})
		if len(e.Chain("")) != len(Presets["balanced"]) {
			t.Error("expected balanced chain for unknown preset")
		}
	})
}

func TestFailoverFirstModelSucceeds(t *testing.T) {
	p := &scriptedProvider{}
	e, _ := newTestEngine(p, fastConfig("openai/gpt-4o", "anthropic/claude-3-5-sonnet"))

	res, err := e.ChatWithFailover(context.Background(), nil, CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Model != "openai/gpt-4o" {
		t.Errorf("expected first model to win, got %s", res.Model)
	}
	if res.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", res.Attempts)
	}
	if len(res.FailedModels) != 0 {
		t.Errorf("expected no failed models, got %v", res.FailedModels)
	}
}

// Scenario: first model fails both attempts, second succeeds on its first
// attempt → model=second, attempts=3, failedModels=[first].
func TestFailoverAdvancesAlongChain(t *testing.T) {
	p := &scriptedProvider{failures: map[string]int{"openai/gpt-4o": -1}}
	e, _ := newTestEngine(p, fastConfig("openai/gpt-4o", "anthropic/claude-3-5-sonnet"))

	res, err := e.ChatWithFailover(context.Background(), nil, CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Model != "anthropic/claude-3-5-sonnet" {
		t.Errorf("expected second model to win, got %s", res.Model)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts (2 failed + 1 winning), got %d", res.Attempts)
	}
	if len(res.FailedModels) != 1 || res.FailedModels[0] != "openai/gpt-4o" {
		t.Errorf("expected failedModels [openai/gpt-4o], got %v", res.FailedModels)
	}
}

// For an N-length chain where every model fails: between N and
// N*maxRetries attempts occur and the error lists exactly N models.
func TestFailoverFullExhaustion(t *testing.T) {
	chain := []string{"a/one", "b/two", "c/three"}
	p := &scriptedProvider{failures: map[string]int{"a/one": -1, "b/two": -1, "c/three": -1}}
	e, _ := newTestEngine(p, fastConfig(chain...))

	_, err := e.ChatWithFailover(context.Background(), nil, CallOptions{})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T", err)
	}
	if len(exhausted.FailedModels) != len(chain) {
		t.Errorf("expected %d failed models, got %v", len(chain), exhausted.FailedModels)
	}
	if exhausted.Attempts < len(chain) || exhausted.Attempts > len(chain)*2 {
		t.Errorf("expected between %d and %d attempts, got %d", len(chain), len(chain)*2, exhausted.Attempts)
	}
	for i, model := range chain {
		if exhausted.FailedModels[i] != model {
			t.Errorf("failed models out of chain order: %v", exhausted.FailedModels)
		}
	}
}

func TestFailoverSkipsCircuitBrokenModel(t *testing.T) {
	p := &scriptedProvider{}
	e, tracker := newTestEngine(p, fastConfig("broken/model", "good/model"))

	// Trip the breaker for the first model.
	for i := 0; i < 3; i++ {
		tracker.RecordFailure("broken/model")
	}

	res, err := e.ChatWithFailover(context.Background(), nil, CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Model != "good/model" {
		t.Errorf("expected good/model to win, got %s", res.Model)
	}
	// The broken model was skipped with zero attempts but still listed.
	if res.Attempts != 1 {
		t.Errorf("expected 1 attempt total, got %d", res.Attempts)
	}
	if len(res.FailedModels) != 1 || res.FailedModels[0] != "broken/model" {
		t.Errorf("expected failedModels [broken/model], got %v", res.FailedModels)
	}
	for _, call := range p.calls {
		if strings.HasPrefix(call, "broken/model") {
			t.Error("circuit-broken model must not be attempted")
		}
	}
}

func TestFailoverTripsBreakerAfterRepeatedExhaustion(t *testing.T) {
	p := &scriptedProvider{failures: map[string]int{"flaky/model": -1}}
	e, tracker := newTestEngine(p, fastConfig("flaky/model", "good/model"))

	// Each exhausted call records one failure; three calls trip the breaker.
	for i := 0; i < 3; i++ {
		if _, err := e.ChatWithFailover(context.Background(), nil, CallOptions{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if tracker.IsAvailable("flaky/model") {
		t.Error("expected breaker open after 3 exhausted calls")
	}

	// The next call skips it entirely.
	before := p.callCount()
	if _, err := e.ChatWithFailover(context.Background(), nil, CallOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.callCount() != before+1 {
		t.Errorf("expected a single attempt on the healthy model, got %d", p.callCount()-before)
	}
}

func TestFailoverSuccessResetsBreaker(t *testing.T) {
	// Fails twice (one exhausted call at maxRetries=2), then recovers.
	p := &scriptedProvider{failures: map[string]int{"recovering/model": 2}}
	e, tracker := newTestEngine(p, fastConfig("recovering/model", "backup/model"))

	if _, err := e.ChatWithFailover(context.Background(), nil, CallOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tracker.FailureCount("recovering/model"); got != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", got)
	}

	res, err := e.ChatWithFailover(context.Background(), nil, CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Model != "recovering/model" {
		t.Errorf("expected recovered model to win, got %s", res.Model)
	}
	if got := tracker.FailureCount("recovering/model"); got != 0 {
		t.Errorf("expected failure count reset on success, got %d", got)
	}
}

func TestFailoverPreferredModelOverride(t *testing.T) {
	p := &scriptedProvider{}
	e, _ := newTestEngine(p, fastConfig("a/default", "b/backup"))

	res, err := e.ChatWithFailover(context.Background(), nil, CallOptions{PreferredModel: "c/preferred"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Model != "c/preferred" {
		t.Errorf("expected preferred model to win, got %s", res.Model)
	}
}

func TestFailoverAttemptTimeout(t *testing.T) {
	p := &scriptedProvider{slow: true}
	cfg := fastConfig("slow/model")
	cfg.MaxRetries = 1
	cfg.AttemptTimeout = 20 * time.Millisecond
	e, _ := newTestEngine(p, cfg)

	start := time.Now()
	_, err := e.ChatWithFailover(context.Background(), nil, CallOptions{})
	if err == nil {
		t.Fatal("expected exhaustion error from timeout")
	}
	if !errors.Is(err, ErrAttemptTimeout) {
		t.Errorf("expected ErrAttemptTimeout in chain, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout did not bound the attempt")
	}
}

func TestFailoverDeterministicAttemptOrder(t *testing.T) {
	run := func() []string {
		p := &scriptedProvider{failures: map[string]int{"a/one": -1, "b/two": 1}}
		e, _ := newTestEngine(p, fastConfig("a/one", "b/two"))
		if _, err := e.ChatWithFailover(context.Background(), nil, CallOptions{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return p.calls
	}

	first := run()
	second := run()
	if strings.Join(first, ",") != strings.Join(second, ",") {
		t.Errorf("attempt order not deterministic: %v vs %v", first, second)
	}
	want := "a/one#1,a/one#2,b/two#1,b/two#2"
	if strings.Join(first, ",") != want {
		t.Errorf("expected attempt order %s, got %s", want, strings.Join(first, ","))
	}
}

func TestStreamChatWithFailover(t *testing.T) {
	t.Run("streams tokens in order", func(t *testing.T) {
		p := &scriptedProvider{streamTokens: []string{"one ", "two ", "three"}}
		e, _ := newTestEngine(p, fastConfig("a/model"))

		var got []string
		res, err := e.StreamChatWithFailover(context.Background(), nil, CallOptions{}, func(ev provider.StreamEvent) error {
			got = append(got, ev.Content)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.UsedFallback {
			t.Error("expected no fallback on a clean stream")
		}
		if strings.Join(got, "") != "one two three" {
			t.Errorf("expected in-order tokens, got %v", got)
		}
	})

	t.Run("never re-streams after partial delivery", func(t *testing.T) {
		// The first model streams a prefix, breaks, and then fails every
		// non-streaming call too. The chain must advance without ever
		// opening a second stream: the caller already has the prefix and
		// would otherwise receive it twice.
		p := &partialStreamProvider{failing: "flaky/model"}
		e, _ := newTestEngine(p, fastConfig("flaky/model", "good/model"))

		var deltas []string
		res, err := e.StreamChatWithFailover(context.Background(), nil, CallOptions{}, func(ev provider.StreamEvent) error {
			deltas = append(deltas, ev.Content)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.streamCount() != 1 {
			t.Errorf("expected exactly 1 stream attempt, got %d", p.streamCount())
		}
		if len(deltas) != 1 || deltas[0] != "partial " {
			t.Errorf("expected the prefix delivered exactly once, got %v", deltas)
		}
		if !res.UsedFallback {
			t.Error("expected UsedFallback after the chain completed non-streaming")
		}
		if res.Model != "good/model" {
			t.Errorf("expected good/model to win, got %s", res.Model)
		}
		if res.Response.Content != "partial plus the rest of the answer" {
			t.Errorf("expected full content from the fallback, got %q", res.Response.Content)
		}
	})

	t.Run("mid-stream break completes via non-streaming path", func(t *testing.T) {
		p := &scriptedProvider{
			streamTokens: []string{"partial ", "never-sent"},
			breakAfter:   1,
		}
		e, _ := newTestEngine(p, fastConfig("a/model"))

		res, err := e.StreamChatWithFailover(context.Background(), nil, CallOptions{}, func(provider.StreamEvent) error {
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.UsedFallback {
			t.Error("expected fallback after mid-stream break")
		}
		if res.Response == nil || res.Response.Content == "" {
			t.Error("expected full content from the fallback call")
		}
	})
}

func TestFailoverContextCancellation(t *testing.T) {
	p := &scriptedProvider{slow: true}
	cfg := fastConfig("slow/model")
	cfg.AttemptTimeout = 10 * time.Second
	e, _ := newTestEngine(p, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.ChatWithFailover(ctx, nil, CallOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
