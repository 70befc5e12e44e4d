package rag

import (
	"regexp"
	"strings"
)

// headingPattern matches markdown heading lines, the preferred chunk
// boundary for report texts.
var headingPattern = regexp.MustCompile(`(?m)^#{1,6}\s`)

// TokenCounter counts tokens for chunk sizing. *gateway.TokenCounter
// satisfies it.
type TokenCounter interface {
	Count(text string) int
}

// Chunker splits report texts into retrieval chunks. Splitting is
// heading-aware: sections under one markdown heading stay together when they
// fit the token budget, and oversized sections fall back to fixed token
// windows with overlap so no sentence is lost at a boundary.
type Chunker struct {
	counter     TokenCounter
	chunkTokens int
	overlap     int
}

// NewChunker constructs a Chunker. chunkTokens is the approximate budget per
// chunk and overlap the token overlap between adjacent fallback windows;
// overlap must be smaller than chunkTokens.
func NewChunker(counter TokenCounter, chunkTokens, overlap int) *Chunker {
	return &Chunker{counter: counter, chunkTokens: chunkTokens, overlap: overlap}
}

// Split returns the chunks of text in document order. Empty and
// whitespace-only inputs yield no chunks.
func (c *Chunker) Split(text string) []string {
	var chunks []string
	for _, section := range c.sections(text) {
		if c.counter.Count(section) <= c.chunkTokens {
			chunks = append(chunks, section)
			continue
		}
		chunks = append(chunks, c.windows(section)...)
	}
	return chunks
}

// sections splits text at markdown headings, keeping each heading attached
// to the body that follows it. Text before the first heading forms its own
// section.
func (c *Chunker) sections(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	locs := headingPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}

	var out []string
	prev := 0
	for _, loc := range locs {
		if s := strings.TrimSpace(text[prev:loc[0]]); s != "" {
			out = append(out, s)
		}
		prev = loc[0]
	}
	if s := strings.TrimSpace(text[prev:]); s != "" {
		out = append(out, s)
	}
	return out
}

// windows slices an oversized section into word-aligned token windows.
// Consecutive windows share roughly overlap tokens.
func (c *Chunker) windows(section string) []string {
	words := strings.Fields(section)
	if len(words) == 0 {
		return nil
	}

	// Per-word token counts, computed once. Joining whitespace is counted
	// against the budget implicitly by overcounting words in isolation.
	costs := make([]int, len(words))
	for i, w := range words {
		costs[i] = c.counter.Count(w)
	}

	stride := c.chunkTokens - c.overlap
	if stride <= 0 {
		stride = c.chunkTokens
	}

	var out []string
	start := 0
	for start < len(words) {
		tokens := 0
		end := start
		for end < len(words) && tokens+costs[end] <= c.chunkTokens {
			tokens += costs[end]
			end++
		}
		if end == start {
			// Single word over budget; emit it alone rather than loop forever.
			end = start + 1
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}

		// Step forward by stride tokens so the tail of this window repeats at
		// the head of the next.
		advanced := 0
		next := start
		for next < end-1 && advanced < stride {
			advanced += costs[next]
			next++
		}
		if next == start {
			next = end
		}
		start = next
	}
	return out
}
