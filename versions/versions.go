// Package versions implements the version lifecycle operations on top
// of the relational store: promoting a version to latest, restoring an
// older version without reprocessing it, and deleting a version either
// as a soft supersede or a hard removal that also clears its blobs and
// search index entries.
package versions

import (
	"context"
	"errors"
	"fmt"

	"knowledgebase/blobstore"
	"knowledgebase/metadata"
	"knowledgebase/permission"
	"knowledgebase/searchindex"
)

// ErrForbidden is returned when the acting user lacks permission to
// mutate the target version.
var ErrForbidden = errors.New("versions: actor is not permitted to modify this document")

// Manager orchestrates version lifecycle operations across the
// relational store, blob storage, and search index.
type Manager struct {
	Store *metadata.Store
	Blobs *blobstore.Store
	Index *searchindex.Client
}

// actorCanModify requires ownership or superuser status — broader read
// permission (shared/org/public visibility) does not grant the right
// to change a document's version lineage.
func (m *Manager) actorCanModify(actor permission.Actor, version *metadata.DocumentVersion) bool {
	return actor.IsSuperuser || actor.ID == version.UploadedBy
}

// Restore marks an existing version latest without reprocessing it.
// Chunk records for every version remain intact — only is_latest moves.
func (m *Manager) Restore(ctx context.Context, actor permission.Actor, versionID uint64) (*metadata.DocumentVersion, error) {
	version, err := m.Store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !m.actorCanModify(actor, version) {
		return nil, ErrForbidden
	}

	if err := m.Store.SetLatest(ctx, version.GroupID, version.ID); err != nil {
		return nil, err
	}
	return m.Store.GetVersion(ctx, version.ID)
}

// Delete removes a version. hard=false marks it superseded, leaving its
// rows (and search index entries) intact for explicit-filter retrieval.
// hard=true removes its page blobs (the raw upload, stored by checksum,
// is not deleted), its chunks from the search index, and
// its metadata rows outright, promoting the next-highest version number
// to latest if the deleted version was latest.
func (m *Manager) Delete(ctx context.Context, actor permission.Actor, versionID uint64, hard bool) error {
	version, err := m.Store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if !m.actorCanModify(actor, version) {
		return ErrForbidden
	}

	if !hard {
		return m.Store.SupersedeVersion(ctx, versionID)
	}

	if m.Index != nil {
		if err := m.Index.DeleteByVersion(ctx, versionID); err != nil {
			return fmt.Errorf("versions: delete search entries: %w", err)
		}
	}
	if m.Blobs != nil {
		if err := m.Blobs.DeletePrefix(ctx, fmt.Sprintf("pages/%d/", versionID)); err != nil {
			return fmt.Errorf("versions: delete page blobs: %w", err)
		}
	}

	return m.Store.DeleteVersion(ctx, versionID)
}
