package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"knowledgebase/permission"
)

const (
	// DefaultVectorWeight and DefaultBM25Weight are the default blend
	// between script_score cosine similarity and weighted multi_match
	// lexical scoring used when a query doesn't override them.
	DefaultVectorWeight = 0.7
	DefaultBM25Weight   = 0.3
)

// weightedFields is the multi_match field list lexical scoring runs
// over, each boosted per its importance to a drawing/equipment search.
var weightedFields = []string{
	"text^3",
	"metadata.filename^2.5",
	"metadata.description^2",
	"metadata.filepath^1.5",
	"document_name^2",
	"drawing_number^2",
	"project_name^1.5",
	"equipment_tags^1.2",
	"component_details",
}

// Client talks to a single Elasticsearch/OpenSearch-compatible index
// over its bulk and _search REST endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	index      string
	apiKey     string
	vectorDim  int
}

// NewFromEnv builds a Client from SEARCHINDEX_* environment variables.
func NewFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("SEARCHINDEX_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:9200"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("searchindex: invalid URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("searchindex: parse URL: %w", err)
	}

	index := strings.TrimSpace(os.Getenv("SEARCHINDEX_NAME"))
	if index == "" {
		index = "chunks"
	}

	vectorDim := 0
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			vectorDim = parsed
		}
	}

	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		index:      index,
		apiKey:     strings.TrimSpace(os.Getenv("SEARCHINDEX_API_KEY")),
		vectorDim:  vectorDim,
	}, nil
}

// EnsureIndex creates the index with a dense_vector mapping if it does
// not already exist.
func (c *Client) EnsureIndex(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("searchindex: client is not configured")
	}
	dim := c.vectorDim
	if dim <= 0 {
		dim = 1536
	}

	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"content_vector": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       dim,
					"index":      true,
					"similarity": "cosine",
				},
				"text":              map[string]interface{}{"type": "text"},
				"document_name":     map[string]interface{}{"type": "text"},
				"drawing_number":    map[string]interface{}{"type": "text"},
				"project_name":      map[string]interface{}{"type": "text"},
				"equipment_tags":    map[string]interface{}{"type": "text"},
				"component_details": map[string]interface{}{"type": "text"},
			},
		},
	}

	resp, err := c.do(ctx, http.MethodPut, "/"+c.index, mapping)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusBadRequest {
		return statusError("ensure index", resp)
	}
	return nil
}

// BulkIndex upserts documents keyed by their chunk_key, so re-indexing
// a version after a re-embed overwrites prior entries in place rather
// than duplicating them.
func (c *Client) BulkIndex(ctx context.Context, docs []ChunkDocument) error {
	if c == nil {
		return fmt.Errorf("searchindex: client is not configured")
	}
	if len(docs) == 0 {
		return nil
	}

	var body bytes.Buffer
	for _, doc := range docs {
		action := map[string]interface{}{
			"index": map[string]interface{}{
				"_index": c.index,
				"_id":    doc.ChunkKey,
			},
		}
		if err := json.NewEncoder(&body).Encode(action); err != nil {
			return fmt.Errorf("searchindex: encode bulk action: %w", err)
		}
		if err := json.NewEncoder(&body).Encode(doc); err != nil {
			return fmt.Errorf("searchindex: encode bulk document: %w", err)
		}
	}

	endpoint := c.baseURL + "/_bulk"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("searchindex: create bulk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("searchindex: bulk request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError("bulk index", resp)
	}

	var decoded struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Error *struct {
				Reason string `json:"reason"`
			} `json:"error,omitempty"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("searchindex: decode bulk response: %w", err)
	}
	if decoded.Errors {
		for _, item := range decoded.Items {
			for _, result := range item {
				if result.Error != nil {
					return fmt.Errorf("searchindex: bulk index item failed: %s", result.Error.Reason)
				}
			}
		}
	}
	return nil
}

// DeleteByVersion removes every chunk document belonging to a document
// version, used when a version is hard-deleted.
func (c *Client) DeleteByVersion(ctx context.Context, versionID uint64) error {
	if c == nil {
		return fmt.Errorf("searchindex: client is not configured")
	}
	payload := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"version_id": versionID},
		},
	}
	resp, err := c.do(ctx, http.MethodPost, "/"+c.index+"/_delete_by_query", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return statusError("delete by version", resp)
	}
	return nil
}

// RawQuery issues an arbitrary request against the index's REST surface
// and decodes the JSON response body, for the tool-protocol's
// execute_raw_query passthrough. Callers are responsible for gating
// this to superusers — it bypasses every permission filter this client
// otherwise applies.
func (c *Client) RawQuery(ctx context.Context, method, path string, params map[string]string, body interface{}) (map[string]interface{}, error) {
	if c == nil {
		return nil, fmt.Errorf("searchindex: client is not configured")
	}
	if len(params) > 0 {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		if strings.Contains(path, "?") {
			path += "&" + query.Encode()
		} else {
			path += "?" + query.Encode()
		}
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, statusError("raw query", resp)
	}

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("searchindex: decode raw query response: %w", err)
	}
	return decoded, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (*http.Response, error) {
	body := &bytes.Buffer{}
	if payload != nil {
		if err := json.NewEncoder(body).Encode(payload); err != nil {
			return nil, fmt.Errorf("searchindex: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("searchindex: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searchindex: request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	}
}

func statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("searchindex: %s status %s: %s", op, resp.Status, strings.TrimSpace(string(snippet)))
}

// permissionShouldClauses turns a permission.Fragment into the bool
// "should" clauses that, combined with minimum_should_match: 1, are the
// query-time equivalent of permission.Allows — every branch of the
// predicate becomes one should clause here.
func permissionShouldClauses(fragment permission.Fragment) []map[string]interface{} {
	if fragment.IsSuperuser {
		return []map[string]interface{}{{"match_all": map[string]interface{}{}}}
	}

	clauses := []map[string]interface{}{
		{"term": map[string]interface{}{"metadata.visibility": "public"}},
	}
	if fragment.ActorID != 0 {
		clauses = append(clauses,
			map[string]interface{}{"term": map[string]interface{}{"metadata.owner_id": fragment.ActorID}},
			map[string]interface{}{"term": map[string]interface{}{"metadata.shared_with_users": fragment.ActorID}},
		)
	}
	if fragment.ActorOrgID != nil {
		clauses = append(clauses, map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []map[string]interface{}{
					{"term": map[string]interface{}{"metadata.visibility": "organization"}},
					{"term": map[string]interface{}{"metadata.org_id": *fragment.ActorOrgID}},
				},
			},
		})
	}
	for _, role := range fragment.ActorRoles {
		clauses = append(clauses, map[string]interface{}{
			"term": map[string]interface{}{"metadata.shared_with_roles": role},
		})
	}
	return clauses
}
