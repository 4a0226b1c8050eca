// Package provider defines the LLM provider capability consumed by the
// failover engine. Concrete HTTP/SDK clients live outside this repository
// and register themselves as drivers; the gateway resolves the configured
// driver at startup. Model identifiers are "vendor/model" strings
// (e.g. "openai/gpt-4o", "anthropic/claude-3-5-sonnet").
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

// Options tunes a single chat call.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Response is a completed (non-streaming) chat result.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// StreamEvent is one element of a streaming response sequence.
type StreamEvent struct {
	// Type is "content" or "tool_call".
	Type string `json:"type"`

	// Content carries the text delta for "content" events.
	Content string `json:"content,omitempty"`

	// ToolCall carries the invocation for "tool_call" events.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// StreamFunc receives stream events in generation order. Returning an
// error aborts the stream.
type StreamFunc func(ev StreamEvent) error

// Provider is the upstream AI capability. Implementations must honor
// context cancellation on both calls.
type Provider interface {
	// Chat performs a blocking completion against the given model.
	Chat(ctx context.Context, model string, messages []Message, opts Options) (*Response, error)

	// StreamChat streams a completion, invoking fn for every event in
	// order, and returns the final accumulated response.
	StreamChat(ctx context.Context, model string, messages []Message, opts Options, fn StreamFunc) (*Response, error)
}

// Factory builds a provider from driver-specific settings.
type Factory func(settings map[string]string) (Provider, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// RegisterDriver makes a provider implementation available under a name.
// Typically called from an init function in the driver package.
func RegisterDriver(name string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// OpenDriver instantiates a registered driver by name.
func OpenDriver(name string, settings map[string]string) (Provider, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider driver %q not registered (available: %v)", name, DriverNames())
	}
	return factory(settings)
}

// DriverNames lists the registered drivers, sorted.
func DriverNames() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
