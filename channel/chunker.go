package channel

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxMessageLen is the transport's per-message character limit.
const DefaultMaxMessageLen = 4096

const (
	// Room kept for the trailing " (i/N)" part marker.
	partMarkerReserve = 12
	// Room kept for a fence close plus reopen around a chunk boundary.
	fenceReserve = 10
)

// SplitMessage splits text into chunks of at most maxLen characters,
// preferring paragraph then line boundaries and keeping code fences
// balanced across chunks. Multi-part results carry trailing "(i/N)" markers.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLen
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}

	budget := maxLen - partMarkerReserve - fenceReserve
	if budget < 1 {
		budget = 1
	}

	chunks := balanceFences(splitAtBoundaries(text, budget))
	n := len(chunks)
	if n == 1 {
		return chunks
	}
	for i := range chunks {
		chunks[i] = fmt.Sprintf("%s (%d/%d)", chunks[i], i+1, n)
	}
	return chunks
}

// splitAtBoundaries cuts text greedily, taking at most budget characters per
// chunk and preferring the latest blank line, then the latest newline,
// inside the window.
func splitAtBoundaries(text string, budget int) []string {
	var chunks []string
	remaining := text
	for utf8.RuneCountInString(remaining) > budget {
		cut := findCut(remaining, budget)
		chunk := strings.TrimRight(remaining[:cut], "\n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeft(remaining[cut:], "\n")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}

// findCut returns the byte offset to cut at, no more than budget characters
// into s.
func findCut(s string, budget int) int {
	limit := len(s)
	seen := 0
	for i := range s {
		if seen == budget {
			limit = i
			break
		}
		seen++
	}

	window := s[:limit]
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i
	}
	return limit
}

// balanceFences closes a code fence left open at a chunk boundary and
// reopens it at the start of the following chunk, so every chunk renders as
// standalone Markdown.
func balanceFences(chunks []string) []string {
	open := false
	for i, chunk := range chunks {
		if open {
			chunk = "```\n" + chunk
		}
		if strings.Count(chunk, "```")%2 == 1 {
			open = true
			chunk += "\n```"
		} else {
			open = false
		}
		chunks[i] = chunk
	}
	return chunks
}
