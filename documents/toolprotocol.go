package documents

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"knowledgebase/apierror"
	"knowledgebase/permission"
	"knowledgebase/search"
)

var (
	errToolCallForbidden = errors.New("execute_raw_query requires superuser")
	errToolCallInvalid   = errors.New("execute_raw_query requires method and path")
)

// toolCall is one request frame on the tool-protocol stream.
type toolCall struct {
	ID   string                 `json:"id"`
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// toolResult is the matching response frame, echoing the call's ID so a
// client pipelining several calls over the same connection can line up
// replies without waiting for each one in turn.
type toolResult struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

var toolStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleToolStream upgrades to a websocket and serves a long-lived,
// stateful session for external AI assistants: a bearer token (access
// or tool) presented once at handshake time, then any number of
// hybrid_search/execute_raw_query calls multiplexed over the same
// connection.
func (m *Module) handleToolStream(c *gin.Context) {
	token := bearerFromRequest(c.Request)
	if token == "" {
		apierror.Status(c, http.StatusUnauthorized, "bearer token required")
		return
	}
	actor, err := m.authenticateToolCaller(c.Request.Context(), token)
	if err != nil {
		apierror.Status(c, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := toolStreamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var call toolCall
		if err := conn.ReadJSON(&call); err != nil {
			return
		}
		result := m.dispatchToolCall(c.Request.Context(), actor, call)
		if err := conn.WriteJSON(result); err != nil {
			return
		}
	}
}

func (m *Module) dispatchToolCall(ctx context.Context, actor permission.Actor, call toolCall) toolResult {
	switch call.Tool {
	case "hybrid_search":
		result, err := m.runHybridSearchTool(ctx, actor, call.Args)
		if err != nil {
			return toolResult{ID: call.ID, Error: err.Error()}
		}
		return toolResult{ID: call.ID, Result: result}
	case "execute_raw_query":
		result, err := m.runRawQueryTool(ctx, actor, call.Args)
		if err != nil {
			return toolResult{ID: call.ID, Error: err.Error()}
		}
		return toolResult{ID: call.ID, Result: result}
	default:
		return toolResult{ID: call.ID, Error: "unknown tool " + call.Tool}
	}
}

func (m *Module) runHybridSearchTool(ctx context.Context, actor permission.Actor, args map[string]interface{}) (interface{}, error) {
	query, _ := args["query"].(string)
	k := -1
	if raw, ok := args["size"].(float64); ok {
		k = int(raw)
	}
	minScore, _ := args["min_score"].(float64)

	return m.search.Search(ctx, search.Request{
		QueryText: query,
		K:         k,
		MinScore:  minScore,
		UseHybrid: true,
		Actor:     actor,
	})
}

// runRawQueryTool is a thin authenticated passthrough to the search
// index, gated to superusers since it bypasses every permission filter
// the rest of this package applies.
func (m *Module) runRawQueryTool(ctx context.Context, actor permission.Actor, args map[string]interface{}) (interface{}, error) {
	if !actor.IsSuperuser {
		return nil, errToolCallForbidden
	}
	method, _ := args["method"].(string)
	path, _ := args["path"].(string)
	if method == "" || path == "" {
		return nil, errToolCallInvalid
	}

	params := map[string]string{}
	if raw, ok := args["params"].(map[string]interface{}); ok {
		for k, v := range raw {
			params[k] = stringifyParam(v)
		}
	}

	return m.index.RawQuery(ctx, strings.ToUpper(method), path, params, args["body"])
}

func stringifyParam(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func bearerFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (m *Module) authenticateToolCaller(ctx context.Context, token string) (permission.Actor, error) {
	user, err := m.auth.AuthenticateBearer(ctx, token)
	if err != nil {
		return permission.Actor{}, err
	}
	return permission.Actor{
		ID:          user.ID,
		OrgID:       user.OrgID,
		Roles:       user.Roles,
		IsSuperuser: user.IsSuperuser,
	}, nil
}
