// Package search is the hybrid query orchestrator: it turns a user's
// query text, filters, and identity into a permission-filtered
// semantic+lexical search against searchindex, then enriches each hit
// with the OCR bounding boxes its matched tokens fall inside.
package search

import (
	"context"
	"sort"
	"strings"

	"knowledgebase/metadata"
	"knowledgebase/modelgateway"
	"knowledgebase/permission"
	"knowledgebase/searchindex"
)

// Request is the input to Orchestrator.Search. K follows the same
// convention as Query.Size: a negative K means unset (defaults to 10),
// K == 0 is an explicit request for zero results, and K > 0 is taken
// literally.
type Request struct {
	QueryText    string
	K            int
	FileType     string
	FilenameLike string
	MinScore     float64
	UseHybrid    bool
	Actor        permission.Actor
}

// MatchedBBox is one OCR bounding box on the hit's page whose text shares
// at least one token with the query.
type MatchedBBox struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"bbox"`
}

// ResultMetadata is the metadata block returned alongside each result,
// per the external search response schema.
type ResultMetadata struct {
	DocumentID      uint64 `json:"document_id"`
	Filename        string `json:"filename"`
	Filepath        string `json:"filepath"`
	FileType        string `json:"file_type"`
	PageNumber      int    `json:"page_number"`
	OriginalFileURL string `json:"original_file_url,omitempty"`
	PageImageURL    string `json:"page_image_url,omitempty"`
	Checksum        string `json:"checksum"`
}

// Result is one entry of the search response.
type Result struct {
	ID            string         `json:"id"`
	Text          string         `json:"text"`
	Highlighted   []string       `json:"highlighted,omitempty"`
	Score         float64        `json:"score"`
	MatchedBBoxes []MatchedBBox  `json:"matched_bboxes"`
	Metadata      ResultMetadata `json:"metadata"`
}

// Orchestrator wires the embedder, permission engine, search index, and
// relational store together to answer Request.
type Orchestrator struct {
	Store    *metadata.Store
	Index    *searchindex.Client
	Embedder modelgateway.Embedder
}

// Search runs the six-step hybrid query algorithm: embed (if
// requested), build the permission fragment, compose the compound
// query, request highlights, filter by min_score, and enrich each hit
// with its page's matching OCR bounding boxes.
func (o *Orchestrator) Search(ctx context.Context, req Request) ([]Result, error) {
	if req.K == 0 {
		return []Result{}, nil
	}
	size := req.K
	if size < 0 {
		size = 10
	}

	var vector []float32
	if req.UseHybrid && strings.TrimSpace(req.QueryText) != "" {
		vectors, err := o.Embedder.Embed(ctx, []string{req.QueryText})
		if err != nil {
			return nil, err
		}
		if len(vectors) > 0 {
			vector = vectors[0]
		}
	}

	fragment := permission.BuildFragment(req.Actor)

	hits, err := o.Index.Search(ctx, searchindex.Query{
		Text:         req.QueryText,
		Vector:       vector,
		Fragment:     fragment,
		FileType:     req.FileType,
		FilenameLike: req.FilenameLike,
		MinScore:     req.MinScore,
		Size:         size,
	})
	if err != nil {
		return nil, err
	}

	queryTokens := tokenize(req.QueryText)

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		result := Result{
			ID:    hit.ChunkKey,
			Text:  hit.Document.Text,
			Score: hit.Score,
			Metadata: ResultMetadata{
				DocumentID:      hit.Document.DocumentID,
				Filename:        hit.Document.Metadata.Filename,
				Filepath:        hit.Document.Metadata.Filepath,
				FileType:        hit.Document.Metadata.FileType,
				PageNumber:      hit.Document.PageNumber,
				OriginalFileURL: hit.Document.Metadata.OriginalFileURL,
				PageImageURL:    hit.Document.Metadata.PageImageURL,
				Checksum:        hit.Document.Metadata.Checksum,
			},
		}
		if fragments, ok := hit.Highlights["text"]; ok {
			result.Highlighted = fragments
		}

		bboxes, err := o.matchedBBoxes(ctx, hit.Document.VersionID, hit.Document.PageNumber, queryTokens)
		if err == nil {
			result.MatchedBBoxes = bboxes
		}

		results = append(results, result)
	}

	return results, nil
}

// matchedBBoxes loads the page's OCR bounding boxes and returns the
// subset whose text shares at least one token with the query, sorted
// by confidence desc — step 6 of the hybrid query algorithm.
func (o *Orchestrator) matchedBBoxes(ctx context.Context, versionID uint64, pageNumber int, queryTokens map[string]struct{}) ([]MatchedBBox, error) {
	if len(queryTokens) == 0 {
		return nil, nil
	}
	page, err := o.Store.GetPage(ctx, versionID, pageNumber)
	if err != nil {
		return nil, err
	}

	var matched []MatchedBBox
	for _, box := range page.BBoxes() {
		if !sharesToken(box.Text, queryTokens) {
			continue
		}
		matched = append(matched, MatchedBBox{
			Text:       box.Text,
			Confidence: box.Confidence,
			Box:        box.Box,
		})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Confidence > matched[j].Confidence
	})
	return matched, nil
}

func tokenize(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		tokens[f] = struct{}{}
	}
	return tokens
}

func sharesToken(text string, queryTokens map[string]struct{}) bool {
	for _, f := range strings.Fields(strings.ToLower(text)) {
		if _, ok := queryTokens[f]; ok {
			return true
		}
	}
	return false
}
