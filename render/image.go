package render

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// imageRenderer handles single-image uploads (a photographed drawing, a
// scanned page saved as PNG/JPEG). The source is decoded and
// re-encoded to PNG so every downstream stage works with one consistent
// format regardless of what was uploaded.
type imageRenderer struct{}

func (imageRenderer) RenderPages(data []byte, _ string) ([]Page, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("render: decode image: %w", err)
	}

	pngBytes, err := encodePNG(img)
	if err != nil {
		return nil, err
	}

	return []Page{{Number: 1, ImagePNG: pngBytes}}, nil
}
