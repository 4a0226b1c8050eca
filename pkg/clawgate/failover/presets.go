// presets.go defines the named failover chains. A preset is just an
// ordered "vendor/model" list; a custom chain in config is interchangeable
// with any preset.
package failover

// Presets maps preset names to ordered model chains.
var Presets = map[string][]string{
	// fast prioritizes latency: small hosted models first.
	"fast": {
		"groq/llama-3.3-70b-versatile",
		"openai/gpt-4o-mini",
		"google/gemini-2.0-flash",
	},

	// balanced is the default: capable mainstream models.
	"balanced": {
		"openai/gpt-4o",
		"anthropic/claude-3-5-sonnet",
		"google/gemini-1.5-pro",
	},

	// high prioritizes quality over cost and latency.
	"high": {
		"anthropic/claude-3-7-sonnet",
		"openai/gpt-4.1",
		"google/gemini-2.5-pro",
		"openai/gpt-4o",
	},

	// local keeps traffic on-box.
	"local": {
		"ollama/llama3.1",
		"ollama/qwen2.5",
	},
}

// PresetChain returns the chain for a preset name, or nil if unknown.
func PresetChain(name string) []string {
	chain, ok := Presets[name]
	if !ok {
		return nil
	}
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}
