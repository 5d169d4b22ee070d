package blobstore

import "testing"

func TestChecksumIsDeterministic(t *testing.T) {
	a := Checksum([]byte("hello world"))
	b := Checksum([]byte("hello world"))
	if a != b {
		t.Fatalf("expected identical checksums, got %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64-char hex digest, got %d chars", len(a))
	}
}

func TestChecksumDiffersForDifferentContent(t *testing.T) {
	a := Checksum([]byte("hello world"))
	b := Checksum([]byte("hello world!"))
	if a == b {
		t.Fatalf("expected different checksums for different content")
	}
}

func TestKeyBuildersAreStable(t *testing.T) {
	if got, want := RawDocumentKey("abc123"), "docs/abc123/raw"; got != want {
		t.Fatalf("RawDocumentKey = %q, want %q", got, want)
	}
	if got, want := PageImageKey(42, 3), "pages/42/3/image.png"; got != want {
		t.Fatalf("PageImageKey = %q, want %q", got, want)
	}
	if got, want := PageOCRKey(42, 3), "pages/42/3/ocr.json"; got != want {
		t.Fatalf("PageOCRKey = %q, want %q", got, want)
	}
}

func TestOperationsFailClearlyWhenNotConfigured(t *testing.T) {
	var s *Store
	if _, err := s.Get(nil, "docs/x/raw"); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
