package search

import "testing"

func TestTokenizeLowercasesAndSplits(t *testing.T) {
	tokens := tokenize("Reset Procedure for Valve-12")
	for _, want := range []string{"reset", "procedure", "for", "valve-12"} {
		if _, ok := tokens[want]; !ok {
			t.Fatalf("expected token %q in %v", want, tokens)
		}
	}
}

func TestSharesTokenMatchesCaseInsensitively(t *testing.T) {
	tokens := tokenize("reset procedure")
	if !sharesToken("RESET valve sequence", tokens) {
		t.Fatalf("expected a shared token match")
	}
	if sharesToken("unrelated text entirely", tokens) {
		t.Fatalf("expected no shared token match")
	}
}

func TestSharesTokenEmptyQueryNeverMatches(t *testing.T) {
	tokens := tokenize("")
	if sharesToken("anything at all", tokens) {
		t.Fatalf("expected empty query tokens to match nothing")
	}
}
