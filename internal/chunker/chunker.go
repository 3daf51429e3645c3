// Package chunker splits extracted page text into token-bounded,
// overlapping chunks suitable for embedding and retrieval.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// CharsPerToken is the approximation used for token counting.
	CharsPerToken = 4

	// DefaultMaxChunkTokens bounds a single chunk.
	DefaultMaxChunkTokens = 512

	// DefaultOverlapTokens is carried from the tail of one chunk into the
	// head of the next.
	DefaultOverlapTokens = 50
)

// sentenceEnd matches the end of a sentence plus trailing whitespace. The
// split point is placed after the punctuation, keeping it with the sentence.
var sentenceEnd = regexp.MustCompile(`[.!?]+\s+`)

// Chunk is one chunker output unit.
type Chunk struct {
	Content      string
	ContentHash  string
	ChunkIndex   int
	PageNumber   int
	SectionTitle string
	TokenCount   int
}

// Chunker splits pages into chunks.
type Chunker struct {
	maxTokens     int
	overlapTokens int
}

// New builds a chunker; non-positive arguments fall back to defaults.
func New(maxTokens, overlapTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxChunkTokens
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		overlapTokens = DefaultOverlapTokens
	}
	return &Chunker{maxTokens: maxTokens, overlapTokens: overlapTokens}
}

// CountTokens approximates tokens as ceil(len/4) characters per token.
func CountTokens(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// HashContent returns the SHA-256 hex digest of the chunk content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ChunkPages chunks 1-indexed pages. titles may be shorter than pages or
// nil; missing entries yield an empty section title.
func (c *Chunker) ChunkPages(pages []string, titles []string) []Chunk {
	var out []Chunk
	nextIndex := 0

	for i, content := range pages {
		pageNumber := i + 1
		title := ""
		if i < len(titles) {
			title = strings.TrimSpace(titles[i])
			if len(title) >= 200 {
				title = ""
			}
		}

		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}

		if CountTokens(content) <= c.maxTokens {
			out = append(out, c.newChunk(content, nextIndex, pageNumber, title))
			nextIndex++
			continue
		}

		for _, piece := range c.splitPage(content) {
			out = append(out, c.newChunk(piece, nextIndex, pageNumber, title))
			nextIndex++
		}
	}
	return out
}

func (c *Chunker) newChunk(content string, index, page int, title string) Chunk {
	return Chunk{
		Content:      content,
		ContentHash:  HashContent(content),
		ChunkIndex:   index,
		PageNumber:   page,
		SectionTitle: title,
		TokenCount:   CountTokens(content),
	}
}

// splitPage splits an oversized page at sentence boundaries, accumulating
// sentences greedily and seeding each subsequent chunk with the overlap
// tail of its predecessor.
func (c *Chunker) splitPage(content string) []string {
	maxChars := c.maxTokens * CharsPerToken
	overlapChars := c.overlapTokens * CharsPerToken

	var pieces []string
	var acc strings.Builder
	seedLen := 0 // overlap prefix currently in acc

	flush := func() {
		text := strings.TrimSpace(acc.String())
		acc.Reset()
		seedLen = 0
		if text == "" {
			return
		}
		pieces = append(pieces, text)
		if overlapChars > 0 {
			tail := text
			if len(text) > overlapChars {
				tail = text[runeStart(text, len(text)-overlapChars):]
			}
			acc.WriteString(tail)
			seedLen = acc.Len()
		}
	}

	for _, sentence := range splitSentences(content) {
		if acc.Len() > seedLen && acc.Len()+len(sentence) > maxChars {
			flush()
		}
		// A sentence longer than the remaining budget is hard-wrapped.
		for acc.Len()+len(sentence) > maxChars {
			cut := runeStart(sentence, maxChars-acc.Len())
			if cut == 0 {
				// Always take at least one full rune so the wrap makes
				// progress; the budget may overrun by that rune.
				_, cut = utf8.DecodeRuneInString(sentence)
			}
			acc.WriteString(sentence[:cut])
			sentence = sentence[cut:]
			flush()
		}
		acc.WriteString(sentence)
	}

	if acc.Len() > seedLen {
		if text := strings.TrimSpace(acc.String()); text != "" {
			pieces = append(pieces, text)
		}
	}
	return pieces
}

// runeStart backs i up to the start of the UTF-8 rune containing text[i],
// so byte-indexed cuts never split a multi-byte rune.
func runeStart(text string, i int) int {
	for i > 0 && i < len(text) && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// splitSentences cuts text after sentence-ending punctuation, keeping the
// trailing whitespace with the preceding sentence so concatenation of the
// parts reproduces the input exactly.
func splitSentences(text string) []string {
	locs := sentenceEnd.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var out []string
	start := 0
	for _, loc := range locs {
		out = append(out, text[start:loc[1]])
		start = loc[1]
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
