// Package documents is the HTTP surface over the ingestion pipeline,
// the version lifecycle, and hybrid search: upload, list, progress,
// delete, version history/restore, permission updates, and search.
package documents

import (
	"github.com/gin-gonic/gin"

	"knowledgebase/authorization"
	"knowledgebase/blobstore"
	"knowledgebase/metadata"
	"knowledgebase/pipeline"
	"knowledgebase/search"
	"knowledgebase/searchindex"
	"knowledgebase/tasks"
	"knowledgebase/versions"
)

// Deps wires the collaborators this package's handlers need. Pipeline
// is used only for ReindexVersion, so a permission update stays in
// sync with the search index without replaying ingestion. Auth backs
// both the permission-sharing cross-org check and the tool-protocol
// endpoint's bearer-token resolution.
type Deps struct {
	Store    *metadata.Store
	Blobs    *blobstore.Store
	Index    *searchindex.Client
	Tasks    *tasks.Manager
	Search   *search.Orchestrator
	Versions *versions.Manager
	Pipeline *pipeline.Deps
	Auth     *authorization.Module
}

// Module holds the dependencies behind the registered routes.
type Module struct {
	store    *metadata.Store
	blobs    *blobstore.Store
	index    *searchindex.Client
	tasks    *tasks.Manager
	search   *search.Orchestrator
	versions *versions.Manager
	pipeline *pipeline.Deps
	auth     *authorization.Module
}

// maxUploadSize bounds a single multipart file, returning 413 past it
// rather than letting an unbounded body exhaust memory.
const maxUploadSize = 200 << 20 // 200 MiB

// RegisterRoutes wires the document and search endpoints onto router,
// behind guard's authentication middleware.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, deps Deps) *Module {
	m := &Module{
		store:    deps.Store,
		blobs:    deps.Blobs,
		index:    deps.Index,
		tasks:    deps.Tasks,
		search:   deps.Search,
		versions: deps.Versions,
		pipeline: deps.Pipeline,
		auth:     deps.Auth,
	}

	router.MaxMultipartMemory = maxUploadSize

	secured := router.Group("")
	secured.Use(guard.RequireAuthenticated())

	secured.POST("/upload", m.handleUpload)
	secured.POST("/upload_batch", m.handleUploadBatch)
	secured.GET("/documents", m.handleListDocuments)
	secured.GET("/documents/:id/progress", m.handleProgress)
	secured.DELETE("/documents/:id", m.handleDeleteVersion)
	secured.GET("/documents/:group_id/versions", m.handleListVersions)
	secured.POST("/documents/:group_id/versions/:n/restore", m.handleRestore)
	secured.PUT("/documents/:id/permissions", m.handleUpdatePermissions)
	secured.POST("/search", m.handleSearch)

	// The tool-protocol stream accepts either a short-lived access
	// token or a long-lived tool token at handshake time, so it is not
	// mounted behind guard.RequireAuthenticated, which only understands
	// access tokens.
	router.GET("/tools/stream", m.handleToolStream)

	return m
}
