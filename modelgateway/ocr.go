package modelgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

const defaultOCRBaseURL = "https://api.openai.com/v1"

// OCRRegion is one detected text region on a page: text, a bounding box,
// the engine's confidence for that region, and the box center. The
// pipeline persists the text, box, and confidence as a metadata.BBox.
type OCRRegion struct {
	Text       string
	Confidence float64
	Box        [4]float64 // x1, y1, x2, y2
	CenterX    float64
	CenterY    float64
}

// OCRClient detects text regions on a rendered page image, used by the
// pipeline's ocr stage to populate a page's bboxes and confidence ahead
// of any VLM correction pass.
type OCRClient interface {
	DetectRegions(ctx context.Context, imageURL, engine string) ([]OCRRegion, error)
}

type httpOCRClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries int
}

// NewOCRClientFromEnv builds an OCRClient from OCR_* environment
// variables, following the same NewXFromEnv convention as the embedder
// and the VLM client.
func NewOCRClientFromEnv() (OCRClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("OCR_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("modelgateway: OCR_API_KEY is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("OCR_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultOCRBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("modelgateway: invalid OCR base URL %q", baseURL)
	}

	return &httpOCRClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxRetries: 2,
	}, nil
}

type ocrDetectRequest struct {
	ImageURL string `json:"image_url"`
	Engine   string `json:"engine,omitempty"`
}

type ocrDetectResponse struct {
	Regions []struct {
		Text       string     `json:"text"`
		Confidence float64    `json:"confidence"`
		Box        [4]float64 `json:"bbox"`
	} `json:"regions"`
}

// DetectRegions sends a rendered page image to the OCR backend and
// returns its text regions sorted top-to-bottom by box center y, then
// left-to-right by center x — the tie-break order the downstream
// layout pass and bbox search enrichment both assume.
func (c *httpOCRClient) DetectRegions(ctx context.Context, imageURL, engine string) ([]OCRRegion, error) {
	if c == nil {
		return nil, errors.New("modelgateway: ocr client is not configured")
	}
	if strings.TrimSpace(imageURL) == "" {
		return nil, errors.New("modelgateway: image URL is required")
	}

	payload := ocrDetectRequest{ImageURL: imageURL, Engine: engine}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		regions, err := c.call(ctx, payload)
		if err == nil {
			sortRegionsByPosition(regions)
			return regions, nil
		}
		lastErr = err

		var modelErr *ModelError
		if !errors.As(err, &modelErr) || !modelErr.Retryable() || attempt == c.maxRetries {
			return nil, err
		}

		backoff := backoffWithJitter(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *httpOCRClient) call(ctx context.Context, payload ocrDetectRequest) ([]OCRRegion, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("modelgateway: encode ocr payload: %w", err)
	}

	endpoint := c.baseURL + "/ocr/detect"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("modelgateway: create ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newModelError("ocr_detect", KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, newModelError("ocr_detect", classifyStatus(resp.StatusCode), fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(snippet))))
	}

	var decoded ocrDetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, newModelError("ocr_detect", KindTransient, fmt.Errorf("decode response: %w", err))
	}

	regions := make([]OCRRegion, 0, len(decoded.Regions))
	for _, r := range decoded.Regions {
		box := r.Box
		region := OCRRegion{
			Text:       strings.TrimSpace(r.Text),
			Confidence: r.Confidence,
			Box:        box,
			CenterX:    (box[0] + box[2]) / 2,
			CenterY:    (box[1] + box[3]) / 2,
		}
		if region.Text == "" {
			continue
		}
		regions = append(regions, region)
	}
	return regions, nil
}

// sortRegionsByPosition orders regions top-to-bottom by box center y,
// then left-to-right by center x.
func sortRegionsByPosition(regions []OCRRegion) {
	sort.SliceStable(regions, func(i, j int) bool {
		if regions[i].CenterY != regions[j].CenterY {
			return regions[i].CenterY < regions[j].CenterY
		}
		return regions[i].CenterX < regions[j].CenterX
	})
}

// AverageConfidence returns the mean confidence across regions, or 0
// for an empty page.
func AverageConfidence(regions []OCRRegion) float64 {
	if len(regions) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range regions {
		sum += r.Confidence
	}
	return sum / float64(len(regions))
}
