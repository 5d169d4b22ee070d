package chunker

import (
	"strings"
	"testing"
)

func TestSplitRespectsParagraphBoundary(t *testing.T) {
	text := strings.Repeat("a", 450) + "\n\n" + strings.Repeat("b", 450)
	s := NewSplitter(500, 50, 2000)
	chunks := s.Split(text)

	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	if strings.Contains(chunks[0].Text, "b") {
		t.Fatalf("first chunk should not contain second paragraph's content")
	}
}

func TestSplitAppliesOverlap(t *testing.T) {
	text := strings.Repeat("x", 2000)
	s := NewSplitter(500, 50, 2000)
	chunks := s.Split(text)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for long uniform text, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartRune >= chunks[i-1].EndRune {
			t.Fatalf("expected overlap between chunk %d and %d, got start=%d prevEnd=%d", i, i-1, chunks[i].StartRune, chunks[i-1].EndRune)
		}
	}
}

func TestSplitEnforcesHardCap(t *testing.T) {
	text := strings.Repeat("nowhitespacehereatall", 200)
	s := NewSplitter(500, 50, 2000)
	chunks := s.Split(text)

	for _, c := range chunks {
		if c.EndRune-c.StartRune > 2000 {
			t.Fatalf("chunk exceeds hard cap: %d runes", c.EndRune-c.StartRune)
		}
	}
}

func TestSplitEmptyInput(t *testing.T) {
	s := NewSplitter(0, 0, 0)
	if chunks := s.Split("   \n\n  "); chunks != nil {
		t.Fatalf("expected nil chunks for blank input, got %v", chunks)
	}
}

func TestEstimateTokenCountNonZeroForText(t *testing.T) {
	if got := EstimateTokenCount("hello world"); got <= 0 {
		t.Fatalf("expected positive token estimate, got %d", got)
	}
	if got := EstimateTokenCount("   "); got != 0 {
		t.Fatalf("expected zero token estimate for blank text, got %d", got)
	}
}
