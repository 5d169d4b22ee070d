// Package render turns an uploaded document's raw bytes into a sequence
// of per-page images ready for OCR. Each supported file type implements
// the same capability interface; formats with no safe way to rasterize
// without an unavailable third-party renderer fail with a clear
// UnsupportedFormatError instead of producing a broken page set.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

// Page is one rendered page: its image bytes plus whatever text the
// renderer itself could already recover cheaply (for text files, the
// full page text; for everything else, empty — OCR fills it in later).
type Page struct {
	Number    int
	ImagePNG  []byte
	PlainText string
}

// Renderer turns a document's raw bytes into pages.
type Renderer interface {
	RenderPages(data []byte, originalFilename string) ([]Page, error)
}

// UnsupportedFormatError is returned when a file type has no available
// rendering path.
type UnsupportedFormatError struct {
	FileType string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("render: unsupported file type %q", e.FileType)
}

// ForFileType resolves the Renderer responsible for a detected file
// type, one of the values DetectFileType returns.
func ForFileType(fileType string) (Renderer, error) {
	switch fileType {
	case "text":
		return textRenderer{}, nil
	case "image":
		return imageRenderer{}, nil
	case "archive":
		return archiveRenderer{}, nil
	case "pdf", "word", "presentation", "spreadsheet":
		return nil, &UnsupportedFormatError{FileType: fileType}
	default:
		return nil, &UnsupportedFormatError{FileType: fileType}
	}
}

// DetectFileType classifies a file by extension and, when the extension
// is absent or ambiguous, by content sniffing against magic bytes —
// mirroring the archive-format detection idiom used elsewhere in this
// codebase.
func DetectFileType(filename string, data []byte) string {
	ext := extensionOf(filename)
	switch ext {
	case ".txt", ".md", ".csv", ".log":
		return "text"
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return "image"
	case ".zip", ".rar":
		return "archive"
	case ".pdf":
		return "pdf"
	case ".doc", ".docx":
		return "word"
	case ".ppt", ".pptx":
		return "presentation"
	case ".xls", ".xlsx":
		return "spreadsheet"
	}
	return sniffFileType(data)
}

func sniffFileType(data []byte) string {
	if len(data) >= 4 && bytes.Equal(data[:4], []byte{0x25, 0x50, 0x44, 0x46}) {
		return "pdf"
	}
	if len(data) >= 4 && bytes.Equal(data[:4], []byte{0x50, 0x4b, 0x03, 0x04}) {
		return "archive"
	}
	if len(data) >= 7 && bytes.Equal(data[:7], []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07, 0x01}) {
		return "archive"
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return "image"
	}
	if isLikelyText(data) {
		return "text"
	}
	return "unknown"
}

func isLikelyText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	sample := data
	if len(sample) > 1024 {
		sample = sample[:1024]
	}
	for _, b := range sample {
		if b == 0 {
			return false
		}
	}
	return true
}

func extensionOf(filename string) string {
	for i := len(filename) - 1; i >= 0 && i > len(filename)-10; i-- {
		if filename[i] == '.' {
			return toLowerASCII(filename[i:])
		}
		if filename[i] == '/' {
			break
		}
	}
	return ""
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("render: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
