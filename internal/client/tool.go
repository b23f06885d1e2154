package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"cagcore/internal/knowledge"
	"cagcore/internal/logging"
)

// Tool forwards knowledge operations to an external tool registry over
// JSON-RPC. Each capability maps to one named tool.
type Tool struct {
	endpoint string
	client   *http.Client
	calls    atomic.Int64
}

// Tool names in the registry.
const (
	toolContextualKnowledge = "contextual_knowledge"
	toolSearchKnowledge     = "search_knowledge"
	toolSessionContext      = "session_context"
	toolStoreKnowledge      = "store_knowledge"
)

// NewTool creates a tool-invocation client for the given endpoint.
func NewTool(endpoint string, timeout time.Duration) *Tool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Tool{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Calls returns the number of tool invocations issued so far.
func (t *Tool) Calls() int64 { return t.calls.Load() }

// Initialize verifies the registry is reachable and speaks the protocol.
// It does not count as a tool invocation.
func (t *Tool) Initialize(ctx context.Context) error {
	_, err := t.post(ctx, "initialize", nil)
	return err
}

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wireItem is the tool-side item representation. Timestamps arrive as
// strings in a few formats depending on the registry backend.
type wireItem struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Content         string `json:"content"`
	KnowledgeType   string `json:"knowledge_type"`
	Category        string `json:"category"`
	CreatedAt       string `json:"created_at"`
	ImportanceScore int    `json:"importance_score"`
	AccessCount     int    `json:"access_count"`
}

func (w wireItem) toItem() knowledge.Item {
	return knowledge.Item{
		ID:              w.ID,
		Title:           w.Title,
		Content:         w.Content,
		KnowledgeType:   knowledge.Type(w.KnowledgeType),
		Category:        w.Category,
		CreatedAt:       parseTime(w.CreatedAt),
		ImportanceScore: w.ImportanceScore,
		AccessCount:     w.AccessCount,
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// SearchKnowledge invokes the search_knowledge tool.
func (t *Tool) SearchKnowledge(ctx context.Context, query string, types []knowledge.Type, limit int) ([]knowledge.Item, error) {
	args := map[string]interface{}{
		"query": query,
		"limit": limit,
	}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, kt := range types {
			names[i] = string(kt)
		}
		args["knowledge_types"] = names
	}
	return t.callItems(ctx, toolSearchKnowledge, args)
}

// ContextualKnowledge invokes the contextual_knowledge tool.
func (t *Tool) ContextualKnowledge(ctx context.Context, situation string, maxResults int) ([]knowledge.Item, error) {
	return t.callItems(ctx, toolContextualKnowledge, map[string]interface{}{
		"situation":   situation,
		"max_results": maxResults,
	})
}

// SessionContext invokes the session_context tool.
func (t *Tool) SessionContext(ctx context.Context, maxItems int, project string) ([]knowledge.Item, error) {
	args := map[string]interface{}{"max_items": maxItems}
	if project != "" {
		args["project"] = project
	}
	return t.callItems(ctx, toolSessionContext, args)
}

// StoreKnowledge invokes the store_knowledge tool and returns the new id.
func (t *Tool) StoreKnowledge(ctx context.Context, req StoreRequest) (string, error) {
	args := map[string]interface{}{
		"knowledge_type": string(req.KnowledgeType.Normalize()),
		"title":          req.Title,
		"content":        req.Content,
	}
	if req.Category != "" {
		args["category"] = req.Category
	}
	if req.Importance > 0 {
		args["importance_score"] = req.Importance
	}

	result, err := t.callTool(ctx, toolStoreKnowledge, args)
	if err != nil {
		return "", err
	}

	var id string
	if err := json.Unmarshal(result, &id); err != nil {
		// Some registries wrap the id in an object.
		var wrapped struct {
			ID string `json:"id"`
		}
		if err2 := json.Unmarshal(result, &wrapped); err2 != nil || wrapped.ID == "" {
			return "", Permanent(fmt.Errorf("store_knowledge returned unparseable id: %s", result))
		}
		id = wrapped.ID
	}
	return id, nil
}

// callItems invokes a tool expected to return a JSON array of items.
func (t *Tool) callItems(ctx context.Context, name string, args map[string]interface{}) ([]knowledge.Item, error) {
	result, err := t.callTool(ctx, name, args)
	if err != nil {
		return nil, err
	}

	var wire []wireItem
	if err := json.Unmarshal(result, &wire); err != nil {
		return nil, Permanent(fmt.Errorf("tool %s returned unparseable result: %w", name, err))
	}
	items := make([]knowledge.Item, 0, len(wire))
	for _, w := range wire {
		items = append(items, w.toItem())
	}
	logging.ClientDebug("Tool %s returned %d items", name, len(items))
	return items, nil
}

// callTool issues a tools/call JSON-RPC request and returns the raw result.
func (t *Tool) callTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	t.calls.Add(1)
	timer := logging.StartTimer(logging.CategoryClient, "Tool."+name)
	defer timer.Stop()

	return t.post(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
}

// post issues one JSON-RPC request against the registry endpoint.
func (t *Tool) post(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, Permanent(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, Transient(fmt.Errorf("tool endpoint unreachable: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return nil, Transient(fmt.Errorf("tool endpoint returned status %d", httpResp.StatusCode))
	}
	if httpResp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, Permanent(fmt.Errorf("tool endpoint rejected request (%d): %s", httpResp.StatusCode, respBody))
	}

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, Permanent(fmt.Errorf("decode response: %w", err))
	}
	if resp.Error != nil {
		return nil, Permanent(fmt.Errorf("tool error %d: %s", resp.Error.Code, resp.Error.Message))
	}
	return resp.Result, nil
}

var _ Client = (*Tool)(nil)
