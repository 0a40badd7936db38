package main

import (
	"unicode/utf8"
)

const (
	defaultMaxChunkSize = 250  // TXT strings are capped at 255 bytes
	defaultMaxTotalSize = 4096 // practical ceiling for one UDP answer
)

// Chunker splits answer text into pieces that each fit in one TXT string.
type Chunker struct {
	MaxChunkSize int
	MaxTotalSize int
}

func NewChunker() Chunker {
	return Chunker{MaxChunkSize: defaultMaxChunkSize, MaxTotalSize: defaultMaxTotalSize}
}

// Chunk returns the ordered chunks of text. Empty text yields no chunks.
func (c Chunker) Chunk(text string) []string {
	chunks, _ := c.ChunkReport(text)
	return chunks
}

// ChunkReport is Chunk, but also reports whether text was cut down to MaxTotalSize first.
func (c Chunker) ChunkReport(text string) ([]string, bool) {
	maxChunk, maxTotal := c.MaxChunkSize, c.MaxTotalSize
	if maxChunk <= 0 {
		maxChunk = defaultMaxChunkSize
	}
	if maxTotal <= 0 {
		maxTotal = defaultMaxTotalSize
	}
	return chunkText(text, maxChunk, maxTotal)
}

func chunkText(text string, maxChunk, maxTotal int) ([]string, bool) {
	if text == "" {
		return nil, false
	}

	truncated := false
	if len(text) > maxTotal {
		text = text[:runeBoundary(text, maxTotal)]
		truncated = true
		if text == "" {
			return nil, truncated
		}
	}

	if len(text) <= maxChunk {
		return []string{text}, truncated
	}

	chunks := make([]string, 0, len(text)/maxChunk+1)
	for len(text) > 0 {
		cut := runeBoundary(text, maxChunk)
		if cut == 0 {
			// A single character wider than maxChunk still has to go somewhere.
			_, cut = utf8.DecodeRuneInString(text)
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks, truncated
}

// runeBoundary returns the largest offset <= n that does not fall inside an encoded character.
func runeBoundary(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
