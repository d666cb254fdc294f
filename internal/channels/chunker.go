// Package channels holds transport-shared plumbing for chat adapters: a
// markdown-aware message splitter and a token-bucket rate limiter.
package channels

import (
	"strings"
	"unicode"
)

// DefaultChunkSize is the Discord message length limit.
const DefaultChunkSize = 2000

// Chunker splits long outbound text into pieces that fit a channel's
// message length limit, preferring paragraph, line, sentence, and word
// boundaries in that order. A code fence cut mid-block is closed at the
// chunk end and reopened in the next chunk so every piece renders as
// valid markdown.
type Chunker struct {
	Limit int
}

// NewChunker creates a chunker; limit <= 0 uses DefaultChunkSize.
func NewChunker(limit int) *Chunker {
	if limit <= 0 {
		limit = DefaultChunkSize
	}
	return &Chunker{Limit: limit}
}

// Split breaks text into chunks of at most Limit bytes. Empty input
// yields nil.
func (c *Chunker) Split(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.Limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > c.Limit {
		chunk, rest := c.cut(remaining)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = rest
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// cut removes one chunk from the front of text, which must be longer
// than Limit.
func (c *Chunker) cut(text string) (chunk, rest string) {
	window := text[:c.Limit]
	open, start, fence := fenceState(window)

	if open {
		// Cut before the fence when anything precedes it; otherwise
		// split the block, closing and reopening the fence.
		if start > 0 {
			chunk = strings.TrimRightFunc(text[:start], unicode.IsSpace)
			return chunk, text[start:]
		}
		window = text[:c.Limit-4]
		cutAt := strings.LastIndexByte(window, '\n')
		if cutAt <= len(fence)+1 {
			cutAt = len(window)
		}
		chunk = strings.TrimRightFunc(text[:cutAt], unicode.IsSpace) + "\n```"
		rest = fence + "\n" + strings.TrimLeftFunc(text[cutAt:], unicode.IsSpace)
		return chunk, rest
	}

	cutAt := breakPoint(window)
	chunk = strings.TrimRightFunc(text[:cutAt], unicode.IsSpace)
	rest = strings.TrimLeftFunc(text[cutAt:], unicode.IsSpace)
	return chunk, rest
}

// breakPoint picks the best cut position inside window: paragraph break,
// then line break, then sentence end, then word boundary, then a hard
// cut at the window edge.
func breakPoint(window string) int {
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndexByte(window, '\n'); idx > 0 {
		return idx + 1
	}
	for _, end := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, end); idx > 0 {
			return idx + 1
		}
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	return len(window)
}

// fenceState reports whether window ends inside a ``` block, the offset
// where that block opened, and its opening line (marker plus language
// tag) for reopening.
func fenceState(window string) (open bool, start int, fence string) {
	i := 0
	for {
		idx := strings.Index(window[i:], "```")
		if idx < 0 {
			return open, start, fence
		}
		idx += i
		if !open {
			open = true
			start = idx
			if lineEnd := strings.IndexByte(window[idx:], '\n'); lineEnd >= 0 {
				fence = window[idx : idx+lineEnd]
			} else {
				fence = window[idx:]
			}
		} else {
			open = false
		}
		i = idx + 3
	}
}
