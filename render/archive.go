package render

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"path"
	"sort"
	"strings"

	rardecode "github.com/nwaples/rardecode/v2"
)

const maxArchiveBytes = 200 * 1024 * 1024

// archiveRenderer handles zip/rar bundles of page images — a common way
// scanned multi-page drawings arrive when no single PDF was produced.
// Each image entry becomes one page, ordered by archive path so a
// "page-001.png", "page-002.png" naming convention yields pages in
// reading order. Archives that bundle separate document files instead
// of page images are not this renderer's concern — the pipeline
// detects that case via IsDocumentBundle before ever calling here.
type archiveRenderer struct{}

// ArchiveEntry is one regular file extracted from a zip/rar archive.
type ArchiveEntry struct {
	Name string
	Data []byte
}

func (archiveRenderer) RenderPages(data []byte, originalFilename string) ([]Page, error) {
	entries, err := ExtractArchiveEntries(data, originalFilename)
	if err != nil {
		return nil, err
	}

	imageEntries := entries[:0]
	for _, entry := range entries {
		if isImagePath(strings.ToLower(entry.Name)) {
			imageEntries = append(imageEntries, entry)
		}
	}
	if len(imageEntries) == 0 {
		return nil, errors.New("render: archive contains no page images")
	}

	sort.Slice(imageEntries, func(i, j int) bool {
		return imageEntries[i].Name < imageEntries[j].Name
	})

	pages := make([]Page, 0, len(imageEntries))
	for i, entry := range imageEntries {
		img, _, decodeErr := image.Decode(bytes.NewReader(entry.Data))
		if decodeErr != nil {
			return nil, fmt.Errorf("render: decode archive entry %s: %w", entry.Name, decodeErr)
		}
		pngBytes, encodeErr := encodePNG(img)
		if encodeErr != nil {
			return nil, encodeErr
		}
		pages = append(pages, Page{Number: i + 1, ImagePNG: pngBytes})
	}
	return pages, nil
}

// ExtractArchiveEntries unpacks every regular file inside a zip/rar
// archive, sanitizing entry names against path traversal. Used both by
// archiveRenderer (page-image bundles) and by the pipeline's archive
// expansion (document bundles).
func ExtractArchiveEntries(data []byte, originalFilename string) ([]ArchiveEntry, error) {
	if len(data) > maxArchiveBytes {
		return nil, fmt.Errorf("render: archive exceeds %d bytes", maxArchiveBytes)
	}

	if looksLikeRar(data) {
		return extractRarEntries(data)
	}
	return extractZipEntries(data)
}

// IsDocumentBundle reports whether an archive's entries are separate
// document files (pdf/word/presentation/spreadsheet/text) rather than
// page images of a single document. An archive containing any image
// entry is treated as a page-image bundle even if it also contains
// other files, since that is the renderer's existing, narrower
// contract.
func IsDocumentBundle(entries []ArchiveEntry) bool {
	hasImage := false
	hasDocument := false
	for _, entry := range entries {
		lower := strings.ToLower(entry.Name)
		switch {
		case isImagePath(lower):
			hasImage = true
		case isDocumentPath(lower):
			hasDocument = true
		}
	}
	return !hasImage && hasDocument
}

func looksLikeRar(data []byte) bool {
	return len(data) >= 7 && bytes.Equal(data[:7], []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07, 0x01})
}

func extractZipEntries(data []byte) ([]ArchiveEntry, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("render: parse zip archive: %w", err)
	}

	var entries []ArchiveEntry
	for _, file := range reader.File {
		sanitized, err := sanitizeArchiveEntry(file.Name)
		if err != nil {
			return nil, err
		}
		if sanitized == "" || file.FileInfo().IsDir() {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("render: open archive entry %s: %w", sanitized, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("render: read archive entry %s: %w", sanitized, err)
		}
		entries = append(entries, ArchiveEntry{Name: sanitized, Data: content})
	}
	return entries, nil
}

func extractRarEntries(data []byte) ([]ArchiveEntry, error) {
	rr, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("render: parse rar archive: %w", err)
	}

	var entries []ArchiveEntry
	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("render: read rar entry: %w", err)
		}
		sanitized, err := sanitizeArchiveEntry(header.Name)
		if err != nil {
			return nil, err
		}
		if sanitized == "" || header.IsDir {
			continue
		}
		content, err := io.ReadAll(rr)
		if err != nil {
			return nil, fmt.Errorf("render: read rar entry %s: %w", sanitized, err)
		}
		entries = append(entries, ArchiveEntry{Name: sanitized, Data: content})
	}
	return entries, nil
}

func sanitizeArchiveEntry(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", nil
	}
	normalized := strings.ReplaceAll(trimmed, "\\", "/")
	normalized = path.Clean(normalized)
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "." || normalized == "" {
		return "", nil
	}
	if strings.HasPrefix(normalized, "../") {
		return "", fmt.Errorf("render: archive entry %q uses parent traversal", name)
	}
	if strings.HasPrefix(strings.ToLower(normalized), "__macosx/") {
		return "", nil
	}
	return normalized, nil
}

func isImagePath(p string) bool {
	switch {
	case strings.HasSuffix(p, ".png"), strings.HasSuffix(p, ".jpg"), strings.HasSuffix(p, ".jpeg"),
		strings.HasSuffix(p, ".webp"), strings.HasSuffix(p, ".gif"), strings.HasSuffix(p, ".bmp"):
		return true
	default:
		return false
	}
}

func isDocumentPath(p string) bool {
	switch {
	case strings.HasSuffix(p, ".pdf"), strings.HasSuffix(p, ".doc"), strings.HasSuffix(p, ".docx"),
		strings.HasSuffix(p, ".ppt"), strings.HasSuffix(p, ".pptx"),
		strings.HasSuffix(p, ".xls"), strings.HasSuffix(p, ".xlsx"),
		strings.HasSuffix(p, ".txt"), strings.HasSuffix(p, ".md"):
		return true
	default:
		return false
	}
}
