// Package chunker splits extracted page text into overlapping chunks for
// embedding, preferring paragraph boundaries over sentence boundaries
// over punctuation over a hard cutoff.
package chunker

import "strings"

const (
	// DefaultTarget is the preferred chunk length in characters.
	DefaultTarget = 500
	// DefaultOverlap is how many trailing characters of a chunk are
	// repeated at the start of the next one, so that a chunk boundary
	// never silently severs a sentence's context.
	DefaultOverlap = 50
	// DefaultHardCap is the maximum length a chunk may reach when it
	// extends past Target to end on a boundary.
	DefaultHardCap = 2000

	minChunkChars = 64
)

// Chunk is one segment produced by Split, along with its position in
// the source text (rune offsets, so downstream bbox/highlight mapping
// can reason about character ranges rather than byte ranges).
type Chunk struct {
	Text       string
	Seq        int
	StartRune  int
	EndRune    int
	TokenCount int
}

// Splitter holds the size parameters for Split. The zero value uses the
// package defaults.
type Splitter struct {
	Target  int
	Overlap int
	HardCap int
}

// NewSplitter builds a Splitter, substituting package defaults for any
// zero field.
func NewSplitter(target, overlap, hardCap int) *Splitter {
	s := &Splitter{Target: target, Overlap: overlap, HardCap: hardCap}
	s.normalize()
	return s
}

func (s *Splitter) normalize() {
	if s.Target <= 0 {
		s.Target = DefaultTarget
	}
	if s.Overlap < 0 || s.Overlap >= s.Target {
		s.Overlap = DefaultOverlap
	}
	if s.HardCap <= 0 || s.HardCap < s.Target {
		s.HardCap = DefaultHardCap
	}
}

// Split breaks text into Chunks. Boundary preference, in order: a blank
// line (paragraph break), a sentence terminator, any other punctuation
// (searched up to HardCap), then a hard cutoff at Target. Each chunk after the first is seeded
// with the previous chunk's trailing Overlap characters.
func (s *Splitter) Split(text string) []Chunk {
	cfg := *s
	cfg.normalize()

	cleaned := strings.TrimSpace(normalizeNewlines(text))
	if cleaned == "" {
		return nil
	}

	runes := []rune(cleaned)
	total := len(runes)
	if total == 0 {
		return nil
	}

	chunks := make([]Chunk, 0, total/cfg.Target+1)
	seq := 0
	start := 0
	for start < total {
		end := findEnd(runes, start, total, cfg.Target, cfg.HardCap)
		chunkText := strings.TrimSpace(string(runes[start:end]))
		if chunkText != "" {
			chunks = append(chunks, Chunk{
				Text:       chunkText,
				Seq:        seq,
				StartRune:  start,
				EndRune:    end,
				TokenCount: EstimateTokenCount(chunkText),
			})
			seq++
		}
		if end >= total {
			break
		}
		next := end - cfg.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

func findEnd(runes []rune, start, total, target, hardCap int) int {
	softMax := start + target
	hardMax := start + hardCap
	if hardMax > total {
		hardMax = total
	}
	if softMax >= total {
		return total
	}

	if b := findBoundary(runes, start+minChunkChars, softMax, paragraphBoundaries); b > start {
		return b
	}
	if b := findBoundary(runes, start+minChunkChars, softMax, sentenceBoundaries); b > start {
		return b
	}
	if hardMax > softMax {
		if b := findBoundary(runes, softMax, hardMax, paragraphBoundaries); b > start {
			return b
		}
		if b := findBoundary(runes, softMax, hardMax, sentenceBoundaries); b > start {
			return b
		}
	}
	if b := findBoundary(runes, start+minChunkChars, hardMax, punctuationBoundaries); b > start {
		return b
	}
	return softMax
}

var (
	paragraphBoundaries  = []rune{'\n'}
	sentenceBoundaries   = []rune{'。', '！', '？', '.', '!', '?'}
	punctuationBoundaries = []rune{'，', ',', '；', ';', ':', '：'}
)

func findBoundary(runes []rune, min, max int, boundarySet []rune) int {
	if min < 0 {
		min = 0
	}
	if max > len(runes) {
		max = len(runes)
	}
	if max <= min {
		return -1
	}
	set := make(map[rune]struct{}, len(boundarySet))
	for _, ch := range boundarySet {
		set[ch] = struct{}{}
	}
	for i := max - 1; i >= min; i-- {
		if _, ok := set[runes[i]]; ok {
			return i + 1
		}
	}
	return -1
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	replaced = strings.ReplaceAll(replaced, "\r", "\n")
	return replaced
}

// EstimateTokenCount gives a cheap token estimate without pulling a
// tokenizer dependency, using a word-plus-rune-density heuristic.
func EstimateTokenCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	words := strings.Fields(trimmed)
	wordCount := len(words)
	runeCount := len([]rune(trimmed))
	estimate := wordCount + runeCount/3
	if estimate < wordCount {
		estimate = wordCount
	}
	if estimate <= 0 {
		estimate = runeCount/2 + 1
	}
	return estimate
}
