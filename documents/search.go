package documents

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"knowledgebase/apierror"
	"knowledgebase/search"
)

type searchFilters struct {
	FileType string `json:"file_type"`
	Filename string `json:"filename"`
}

// K is a pointer so a request body that omits "k" can be told apart
// from one that sends "k":0 — the former takes search's default, the
// latter must return zero results per the documented k=0 behavior.
type searchRequest struct {
	Query     string        `json:"query"`
	K         *int          `json:"k"`
	Filters   searchFilters `json:"filters"`
	UseHybrid bool          `json:"use_hybrid"`
	MinScore  float64       `json:"min_score"`
}

func (m *Module) handleSearch(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}

	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Status(c, http.StatusBadRequest, err.Error())
		return
	}

	k := -1
	if req.K != nil {
		k = *req.K
	}

	results, err := m.search.Search(c.Request.Context(), search.Request{
		QueryText:    req.Query,
		K:            k,
		FileType:     req.Filters.FileType,
		FilenameLike: req.Filters.Filename,
		MinScore:     req.MinScore,
		UseHybrid:    req.UseHybrid,
		Actor:        actor,
	})
	if err != nil {
		apierror.Status(c, http.StatusInternalServerError, "search failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results, "total": len(results)})
}
