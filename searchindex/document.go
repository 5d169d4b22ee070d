// Package searchindex talks to a REST-only search backend (Elasticsearch
// or OpenSearch) that holds the denormalized, permission-tagged chunk
// documents used for hybrid semantic/lexical retrieval. Every chunk
// document carries enough owner/visibility/sharing metadata to let a
// query filter by permission without a round trip to the relational
// store.
package searchindex

// ChunkDocument is the denormalized document indexed for one chunk. It
// is rebuilt in full on every re-index, never partially patched, so the
// index can always be reconstructed from the relational store alone.
type ChunkDocument struct {
	ChunkKey        string    `json:"chunk_key"`
	Text            string    `json:"text"`
	ContentVector   []float32 `json:"content_vector"`
	DocumentID      uint64    `json:"document_id"`
	VersionID       uint64    `json:"version_id"`
	PageNumber      int       `json:"page_number"`
	LocalIndex      int       `json:"local_index"`
	DocumentName    string    `json:"document_name"`
	DrawingNumber   string    `json:"drawing_number,omitempty"`
	ProjectName     string    `json:"project_name,omitempty"`
	EquipmentTags   []string  `json:"equipment_tags,omitempty"`
	ComponentDetails string   `json:"component_details,omitempty"`
	Metadata        ChunkMetadata `json:"metadata"`
	UpdatedAt       int64     `json:"updated_at"`
}

// ChunkMetadata mirrors the metadata.* field family the hybrid query's
// weighted multi_match clause scores against, plus the permission
// snapshot checked by the query's must clause.
type ChunkMetadata struct {
	Filename        string   `json:"filename"`
	Filepath        string   `json:"filepath"`
	FileType        string   `json:"file_type,omitempty"`
	Description     string   `json:"description,omitempty"`
	PageNumber      int      `json:"page_number"`
	DocumentID      uint64   `json:"document_id"`
	OwnerID         uint64   `json:"owner_id"`
	OrgID           *uint64  `json:"org_id,omitempty"`
	Visibility      string   `json:"visibility"`
	SharedWithUsers []uint64 `json:"shared_with_users,omitempty"`
	SharedWithRoles []string `json:"shared_with_roles,omitempty"`
	Checksum        string   `json:"checksum"`
	OriginalFileURL string   `json:"original_file_url,omitempty"`
	PageImageURL    string   `json:"page_image_url,omitempty"`
}

// Hit is one scored, highlighted search result.
type Hit struct {
	ChunkKey   string              `json:"chunk_key"`
	Score      float64             `json:"score"`
	Document   ChunkDocument       `json:"document"`
	Highlights map[string][]string `json:"highlights,omitempty"`
}
