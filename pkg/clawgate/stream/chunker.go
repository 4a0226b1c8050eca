// chunker.go splits long replies into platform-sized chunks. Splits
// happen at the best natural boundary found in the trailing 70% of the
// size window — paragraph break, then line break, then sentence end,
// then space, then a hard cut. Rejoining the chunks reconstitutes the
// original text modulo the whitespace consumed at each split point.
package stream

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// channelLimits is the per-platform maximum message length in characters.
var channelLimits = map[string]int{
	"whatsapp": 4096,
	"telegram": 4096,
	"signal":   4096,
	"discord":  2000,
	"slack":    40000,
	"matrix":   65536,
	"webchat":  65536,
	"sms":      160,
	"imessage": 20000,
}

// markdownChannels support native emphasis markup in outgoing text.
var markdownChannels = map[string]bool{
	"whatsapp": true,
	"telegram": true,
	"discord":  true,
	"slack":    true,
	"matrix":   true,
	"webchat":  true,
}

// defaultLimit is used for unknown channels.
const defaultLimit = 4096

// LimitFor returns the message size limit for a channel.
func LimitFor(channel string) int {
	if limit, ok := channelLimits[channel]; ok {
		return limit
	}
	return defaultLimit
}

// minSplitFraction rejects split points earlier than this fraction of the
// window in favor of the next-priority boundary.
const minSplitFraction = 0.3

// ChunkMessage splits content into chunks of at most limit characters
// (runes, the way the platforms count message length — multibyte text
// gets the full budget). Content that already fits is returned as a
// single chunk unchanged.
func ChunkMessage(content string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return []string{content}
	}

	var chunks []string
	rest := content
	for utf8.RuneCountInString(rest) > limit {
		cut, resume := splitPoint(rest, byteWindow(rest, limit))
		chunks = append(chunks, rest[:cut])
		rest = rest[resume:]
	}
	if len(rest) > 0 {
		chunks = append(chunks, rest)
	}
	return chunks
}

// byteWindow returns the byte length of the first n runes of s, always a
// rune boundary.
func byteWindow(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}

// ChunkFor splits content using the named channel's size limit.
func ChunkFor(content, channel string) []string {
	return ChunkMessage(content, LimitFor(channel))
}

// FormatChunks appends a "(i/n)" position indicator to every chunk when
// the message was split. Channels with native markup get the indicator in
// emphasis; others get it plain.
func FormatChunks(chunks []string, channel string) []string {
	if len(chunks) <= 1 {
		return chunks
	}

	out := make([]string, len(chunks))
	for i, chunk := range chunks {
		indicator := fmt.Sprintf("(%d/%d)", i+1, len(chunks))
		if markdownChannels[channel] {
			indicator = "_" + indicator + "_"
		}
		out[i] = strings.TrimRight(chunk, "\n ") + "\n" + indicator
	}
	return out
}

// indicatorReserve is the headroom left for the "(i/n)" indicator so
// formatted chunks still respect the channel limit.
const indicatorReserve = 16

// PrepareMessage chunks content for a channel and applies the position
// indicator. Multi-chunk messages are re-split with headroom so the
// indicator never pushes a chunk over the limit.
func PrepareMessage(content, channel string) []string {
	limit := LimitFor(channel)
	chunks := ChunkMessage(content, limit)
	if len(chunks) == 1 {
		return chunks
	}
	chunks = ChunkMessage(content, limit-indicatorReserve)
	return FormatChunks(chunks, channel)
}

// splitPoint finds where to cut the next chunk: the byte index where the
// chunk ends (exclusive) and the index where the remainder resumes.
// limit is the window size in bytes, already aligned to a rune boundary.
// Boundaries are searched in priority order inside [minIdx, limit); a
// priority whose last occurrence falls before minIdx is rejected entirely.
func splitPoint(text string, limit int) (cut, resume int) {
	window := text[:limit]
	minIdx := int(float64(limit) * minSplitFraction)
	region := window[minIdx:]

	// Paragraph break.
	if idx := strings.LastIndex(region, "\n\n"); idx >= 0 {
		return minIdx + idx, minIdx + idx + 2
	}

	// Line break.
	if idx := strings.LastIndex(region, "\n"); idx >= 0 {
		return minIdx + idx, minIdx + idx + 1
	}

	// Sentence end: the period stays in the chunk, the space is consumed.
	if idx := strings.LastIndex(region, ". "); idx >= 0 {
		return minIdx + idx + 1, minIdx + idx + 2
	}

	// Word boundary.
	if idx := strings.LastIndex(region, " "); idx >= 0 {
		return minIdx + idx, minIdx + idx + 1
	}

	// Hard cut, backed up to a rune boundary so multi-byte characters
	// are never torn apart.
	cut = limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut, cut
}
