package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/snappy-loop/museum-alive/internal/agents"
	"github.com/snappy-loop/museum-alive/internal/auth"
	"github.com/snappy-loop/museum-alive/internal/models"
	"github.com/snappy-loop/museum-alive/internal/processor"
)

// JSON-RPC 2.0 request
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// JSON-RPC 2.0 response
type jsonRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// MCP tools/list result
type toolsListResult struct {
	Tools      []mcpTool `json:"tools"`
	NextCursor *string   `json:"nextCursor,omitempty"`
}

type mcpTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	Type       string                `json:"type"`
	Properties map[string]schemaProp `json:"properties"`
	Required   []string              `json:"required,omitempty"`
}

type schemaProp struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// MCP tools/call result
type toolsCallResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

type contentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// narrator is the subset of services.NarrationService the MCP tools use.
type narrator interface {
	BuildInput(req *models.CreateNarrationRequest) (models.ArtifactInput, error)
	Narrate(ctx context.Context, in models.ArtifactInput, apiKeyID *uuid.UUID, obs processor.Observer) (*models.NarrationResult, error)
}

// Server implements MCP JSON-RPC 2.0 over HTTP (tools/list and tools/call).
type Server struct {
	narrator narrator
}

// NewServer returns a new MCP server backed by the narration service.
func NewServer(n narrator) *Server {
	return &Server{narrator: n}
}

// Handler returns the HTTP handler for JSON-RPC requests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveJSONRPC)
}

func (s *Server) serveJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, req.ID, -32700, "Parse error")
		return
	}
	if req.JSONRPC != "2.0" {
		writeRPCError(w, req.ID, -32600, "Invalid Request")
		return
	}

	var result interface{}
	var rpcErr *rpcError
	switch req.Method {
	case "tools/list":
		result, rpcErr = s.handleToolsList()
	case "tools/call":
		result, rpcErr = s.handleToolsCall(r.Context(), req.Params)
	default:
		writeRPCError(w, req.ID, -32601, "Method not found")
		return
	}

	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) handleToolsList() (interface{}, *rpcError) {
	return &toolsListResult{
		Tools: []mcpTool{
			{
				Name:        "narrate_artifact",
				Description: "Let a museum artifact tell its own story in the first person, from a photo or its name",
				InputSchema: inputSchema{
					Type: "object",
					Properties: map[string]schemaProp{
						"name":          {Type: "string", Description: "Artifact name, e.g. 三星堆青铜面具"},
						"image_base64":  {Type: "string", Description: "Base64 JPEG/PNG/GIF photo of the artifact"},
						"mime_type":     {Type: "string", Description: "Image MIME type (detected when omitted)"},
						"include_audio": {Type: "boolean", Description: "Return the spoken story as inline audio"},
					},
				},
			},
		},
	}, nil
}

type toolsCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleToolsCall(ctx context.Context, paramsRaw json.RawMessage) (interface{}, *rpcError) {
	var params toolsCallParams
	if err := json.Unmarshal(paramsRaw, &params); err != nil {
		return nil, &rpcError{Code: -32602, Message: "Invalid params"}
	}
	switch params.Name {
	case "narrate_artifact":
		return s.callNarrateArtifact(ctx, params.Arguments)
	default:
		return nil, &rpcError{Code: -32602, Message: "Unknown tool: " + params.Name}
	}
}

func getStr(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getBool(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func (s *Server) callNarrateArtifact(ctx context.Context, args map[string]interface{}) (interface{}, *rpcError) {
	in, err := s.narrator.BuildInput(&models.CreateNarrationRequest{
		Name:        getStr(args, "name"),
		ImageBase64: getStr(args, "image_base64"),
		MimeType:    getStr(args, "mime_type"),
	})
	if err != nil {
		return toolError(err), nil
	}

	var apiKeyID *uuid.UUID
	if id, err := auth.GetAPIKeyID(ctx); err == nil {
		apiKeyID = &id
	}

	result, err := s.narrator.Narrate(ctx, in, apiKeyID, nil)
	if err != nil {
		return toolError(err), nil
	}
	if result.CredentialMissing {
		return toolError(errors.New("narration unavailable: chat model credential is not configured")), nil
	}

	meta, _ := json.Marshal(result)
	content := []contentItem{
		{Type: "text", Text: result.Story},
		{Type: "text", Text: string(meta)},
	}

	if getBool(args, "include_audio") && result.HasAudio() {
		data, err := agents.AudioData(&models.AudioArtifact{Path: *result.AudioPath})
		if err != nil {
			return toolError(err), nil
		}
		mimeType := result.AudioMimeType
		if mimeType == "" {
			mimeType = "audio/wav"
		}
		content = append(content, contentItem{
			Type:     "audio",
			Data:     base64.StdEncoding.EncodeToString(data),
			MimeType: mimeType,
		})
	}

	return &toolsCallResult{Content: content}, nil
}

func toolError(err error) *toolsCallResult {
	return &toolsCallResult{
		Content: []contentItem{{Type: "text", Text: err.Error()}},
		IsError: true,
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeRPCError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}
