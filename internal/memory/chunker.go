// Package memory implements the retrieval-augmentation pipeline:
// chunk, embed, store, retrieve. It is the long-term contextual memory
// the agent crew reads from and writes back to.
package memory

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
)

// chunkIDSpace seeds deterministic chunk IDs. Recomputing a chunk from
// the same namespace, offset, and text yields the same UUID, which is
// what makes re-ingestion idempotent at the store level.
var chunkIDSpace = uuid.MustParse("8f9c1c6e-33a5-4f4e-9d1e-2f4f6a0b7c21")

// ChunkID returns the deterministic identifier for a chunk of text at a
// byte offset within a namespace.
func ChunkID(namespace string, offset int, text string) string {
	key := namespace + "|" + strconv.Itoa(offset) + "|" + text
	return uuid.NewSHA1(chunkIDSpace, []byte(key)).String()
}

// Span is one chunk of source text plus its byte offset in the input.
type Span struct {
	Offset int
	Text   string
}

// Chunker splits text into overlapping windows that respect word
// boundaries and stay within both a character and a token budget.
type Chunker struct {
	maxChars  int
	maxTokens int
	overlap   int
	encoder   *tiktoken.Tiktoken
}

// NewChunker builds a chunker. The token budget uses the cl100k_base
// encoding; when the encoding is unavailable (e.g. offline) the chunker
// degrades to a whitespace-word approximation.
func NewChunker(maxChars, maxTokens, overlap int) *Chunker {
	if maxChars <= 0 {
		maxChars = 500
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = maxChars / 10
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &Chunker{maxChars: maxChars, maxTokens: maxTokens, overlap: overlap, encoder: enc}
}

// Chunk splits text into overlapping spans. Degenerate input (empty or
// whitespace-only) yields zero spans and is not an error. A single word
// longer than the character budget becomes its own span; words are
// never split.
func (c *Chunker) Chunk(text string) []Span {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var spans []Span
	start := skipSpace(text, 0)
	for start < len(text) {
		end := c.windowEnd(text, start)
		chunk := strings.TrimRightFunc(text[start:end], unicode.IsSpace)
		if chunk != "" {
			spans = append(spans, Span{Offset: start, Text: chunk})
		}
		if end >= len(text) {
			break
		}
		next := c.overlapStart(text, start, end)
		if next <= start {
			next = end
		}
		start = skipSpace(text, next)
	}
	return spans
}

// TokenCount reports the token length of text, or a whitespace-word
// approximation when no encoder is available.
func (c *Chunker) TokenCount(text string) int {
	if c.encoder != nil {
		return len(c.encoder.Encode(text, nil, nil))
	}
	return len(strings.Fields(text))
}

// windowEnd finds the end of the window starting at start: at most
// maxChars wide, backed up to a word boundary, then shrunk further if
// the token budget is exceeded.
func (c *Chunker) windowEnd(text string, start int) int {
	end := start + c.maxChars
	if end >= len(text) {
		end = len(text)
	} else {
		end = wordBoundaryBefore(text, start, end)
	}
	if c.maxTokens <= 0 {
		return end
	}
	for end > start && c.TokenCount(text[start:end]) > c.maxTokens {
		shrunk := wordBoundaryBefore(text, start, end-1)
		if shrunk <= start {
			break
		}
		end = shrunk
	}
	return end
}

// overlapStart walks back from end by the overlap budget, then forward
// to the next word boundary so the next window starts on a whole word.
func (c *Chunker) overlapStart(text string, start, end int) int {
	pos := end - c.overlap
	if pos <= start {
		return end
	}
	pos = runeStartBefore(text, pos)
	for pos > 0 && pos < len(text) {
		r, _ := utf8.DecodeLastRuneInString(text[:pos])
		if unicode.IsSpace(r) {
			break
		}
		_, size := utf8.DecodeRuneInString(text[pos:])
		pos += size
	}
	return pos
}

// wordBoundaryBefore returns the largest index <= limit that falls on a
// word boundary after start. When the window contains a single unbroken
// word it returns the end of that word instead of splitting it. All
// scanning decodes whole runes; a raw byte inside a multi-byte
// character must never read as whitespace.
func wordBoundaryBefore(text string, start, limit int) int {
	if limit >= len(text) {
		return len(text)
	}
	limit = runeStartBefore(text, limit)
	for i := limit; i > start; {
		r, size := utf8.DecodeLastRuneInString(text[:i])
		if unicode.IsSpace(r) {
			return i
		}
		i -= size
	}
	// Single word longer than the budget: extend to its end.
	i := limit
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return i
}

func skipSpace(text string, pos int) int {
	for pos < len(text) {
		r, size := utf8.DecodeRuneInString(text[pos:])
		if !unicode.IsSpace(r) {
			break
		}
		pos += size
	}
	return pos
}

// runeStartBefore backs pos up to the start of the rune it points into.
func runeStartBefore(text string, pos int) int {
	for pos > 0 && pos < len(text) && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}
