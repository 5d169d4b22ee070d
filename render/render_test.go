package render

import "testing"

func TestDetectFileTypeByExtension(t *testing.T) {
	cases := map[string]string{
		"drawing.pdf":  "pdf",
		"notes.txt":    "text",
		"scan.PNG":     "image",
		"bundle.zip":   "archive",
		"report.docx":  "word",
		"deck.pptx":    "presentation",
		"budget.xlsx":  "spreadsheet",
	}
	for name, want := range cases {
		if got := DetectFileType(name, nil); got != want {
			t.Errorf("DetectFileType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestDetectFileTypeSniffsPDFMagicBytes(t *testing.T) {
	data := []byte("%PDF-1.4 rest of file")
	if got := DetectFileType("upload", data); got != "pdf" {
		t.Fatalf("expected sniffed type pdf, got %q", got)
	}
}

func TestForFileTypeRejectsUnsupportedFormats(t *testing.T) {
	_, err := ForFileType("pdf")
	var unsupported *UnsupportedFormatError
	if err == nil {
		t.Fatal("expected an error for pdf")
	}
	if !asUnsupported(err, &unsupported) {
		t.Fatalf("expected UnsupportedFormatError, got %T: %v", err, err)
	}
}

func asUnsupported(err error, target **UnsupportedFormatError) bool {
	if e, ok := err.(*UnsupportedFormatError); ok {
		*target = e
		return true
	}
	return false
}

func TestTextRendererSplitsOnFormFeed(t *testing.T) {
	renderer := textRenderer{}
	pages, err := renderer.RenderPages([]byte("page one\f page two\f page three"), "notes.txt")
	if err != nil {
		t.Fatalf("render pages: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	if pages[0].PlainText != "page one" {
		t.Fatalf("unexpected first page text %q", pages[0].PlainText)
	}
	if pages[2].Number != 3 {
		t.Fatalf("expected third page numbered 3, got %d", pages[2].Number)
	}
}

func TestTextRendererSingleSegmentIsOnePage(t *testing.T) {
	renderer := textRenderer{}
	pages, err := renderer.RenderPages([]byte("just some notes"), "notes.txt")
	if err != nil {
		t.Fatalf("render pages: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
}
