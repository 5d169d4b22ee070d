package render

import "strings"

// textRenderer handles plain text, markdown, CSV, and log files. Pages
// split on form-feed characters (the conventional plain-text page
// break) when present; otherwise the whole file is a single page.
// Plain text never needs OCR, so PlainText is populated directly and
// the pipeline's OCR stage can skip pages that already carry it.
type textRenderer struct{}

func (textRenderer) RenderPages(data []byte, _ string) ([]Page, error) {
	content := string(data)
	segments := strings.Split(content, "\f")

	pages := make([]Page, 0, len(segments))
	for i, segment := range segments {
		trimmed := strings.Trim(segment, "\r\n")
		if trimmed == "" && len(segments) > 1 {
			continue
		}
		pages = append(pages, Page{
			Number:    i + 1,
			PlainText: trimmed,
		})
	}
	if len(pages) == 0 {
		pages = append(pages, Page{Number: 1, PlainText: ""})
	}
	for i := range pages {
		pages[i].Number = i + 1
	}
	return pages, nil
}
