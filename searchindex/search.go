package searchindex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"knowledgebase/permission"
)

// Query is the hybrid search request: an embedded query vector plus its
// source text for lexical scoring, filtered by the requesting actor's
// permission fragment. Size follows the same unset/explicit-zero
// convention as Request.K in package search: negative means unset
// (defaults to 10), zero is an explicit request for no hits, and a
// positive value is taken literally.
type Query struct {
	Text         string
	Vector       []float32
	Fragment     permission.Fragment
	FileType     string
	FilenameLike string
	VectorWeight float64
	BM25Weight   float64
	MinScore     float64
	Size         int
}

// Search runs the hybrid bool/should query — script_score cosine
// similarity blended with weighted multi_match lexical scoring, gated
// by a must clause enforcing the permission fragment — and returns hits
// ordered by score descending, then updated_at descending, then
// page_number ascending for ties, per the tie-break rule.
func (c *Client) Search(ctx context.Context, q Query) ([]Hit, error) {
	if c == nil {
		return nil, fmt.Errorf("searchindex: client is not configured")
	}
	if q.Size == 0 {
		return nil, nil
	}

	vectorWeight := q.VectorWeight
	if vectorWeight <= 0 {
		vectorWeight = DefaultVectorWeight
	}
	bm25Weight := q.BM25Weight
	if bm25Weight <= 0 {
		bm25Weight = DefaultBM25Weight
	}
	size := q.Size
	if size < 0 {
		size = 10
	}

	var scoringClauses []map[string]interface{}
	if len(q.Vector) > 0 {
		scoringClauses = append(scoringClauses, map[string]interface{}{
			"script_score": map[string]interface{}{
				"query": map[string]interface{}{"match_all": map[string]interface{}{}},
				"script": map[string]interface{}{
					"source": "cosineSimilarity(params.query_vector, 'content_vector') + 1.0",
					"params": map[string]interface{}{"query_vector": q.Vector},
				},
				"boost": vectorWeight,
			},
		})
	}
	if q.Text != "" {
		scoringClauses = append(scoringClauses, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  q.Text,
				"fields": weightedFields,
				"boost":  bm25Weight,
			},
		})
	}

	mustClauses := []map[string]interface{}{
		{"bool": map[string]interface{}{
			"should":               permissionShouldClauses(q.Fragment),
			"minimum_should_match": 1,
		}},
	}
	if q.FileType != "" {
		mustClauses = append(mustClauses, map[string]interface{}{"term": map[string]interface{}{"metadata.file_type": q.FileType}})
	}
	if q.FilenameLike != "" {
		mustClauses = append(mustClauses, map[string]interface{}{"wildcard": map[string]interface{}{"metadata.filename": "*" + q.FilenameLike + "*"}})
	}

	// With no vector and no query text (a pure filter listing), there are
	// no scoring clauses to rank by; sort falls back to updated_at desc.
	boolQuery := map[string]interface{}{"must": mustClauses}
	if len(scoringClauses) > 0 {
		boolQuery["should"] = scoringClauses
	}

	sortClauses := []interface{}{map[string]interface{}{"updated_at": "desc"}, map[string]interface{}{"page_number": "asc"}}
	if len(scoringClauses) > 0 {
		sortClauses = append([]interface{}{"_score"}, sortClauses...)
	}

	body := map[string]interface{}{
		"size":  size,
		"query": map[string]interface{}{"bool": boolQuery},
		"highlight": map[string]interface{}{
			"fields": map[string]interface{}{
				"text": map[string]interface{}{"fragment_size": 160, "number_of_fragments": 2},
			},
		},
		"sort": sortClauses,
	}
	if q.MinScore > 0 && len(scoringClauses) > 0 {
		body["min_score"] = q.MinScore
	}

	resp, err := c.do(ctx, http.MethodPost, "/"+c.index+"/_search", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, statusError("search", resp)
	}

	var decoded struct {
		Hits struct {
			Hits []struct {
				ID         string              `json:"_id"`
				Score      float64             `json:"_score"`
				Source     ChunkDocument       `json:"_source"`
				Highlights map[string][]string `json:"highlight"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("searchindex: decode search response: %w", err)
	}

	hits := make([]Hit, 0, len(decoded.Hits.Hits))
	for _, raw := range decoded.Hits.Hits {
		hits = append(hits, Hit{
			ChunkKey:   raw.ID,
			Score:      raw.Score,
			Document:   raw.Source,
			Highlights: raw.Highlights,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Document.UpdatedAt != hits[j].Document.UpdatedAt {
			return hits[i].Document.UpdatedAt > hits[j].Document.UpdatedAt
		}
		return hits[i].Document.PageNumber < hits[j].Document.PageNumber
	})

	return hits, nil
}
