package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/snappy-loop/museum-alive/internal/auth"
	"github.com/snappy-loop/museum-alive/internal/database"
	"github.com/snappy-loop/museum-alive/internal/models"
	"github.com/snappy-loop/museum-alive/internal/processor"
	"github.com/stretchr/testify/require"
)

type fakeNarrator struct {
	result   *models.NarrationResult
	gotKeyID *uuid.UUID
}

func (f *fakeNarrator) BuildInput(req *models.CreateNarrationRequest) (models.ArtifactInput, error) {
	return models.NewNameInput(req.Name)
}

func (f *fakeNarrator) Narrate(ctx context.Context, in models.ArtifactInput, apiKeyID *uuid.UUID, obs processor.Observer) (*models.NarrationResult, error) {
	f.gotKeyID = apiKeyID
	return f.result, nil
}

type rpcResponse struct {
	Result struct {
		Tools   []mcpTool     `json:"tools"`
		Content []contentItem `json:"content"`
		IsError bool          `json:"isError"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

func call(t *testing.T, h http.Handler, body string, header string) (*httptest.ResponseRecorder, rpcResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp rpcResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestToolsList(t *testing.T) {
	_, resp := call(t, NewServer(&fakeNarrator{}).Handler(), `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, "")
	require.Nil(t, resp.Error)
	require.Len(t, resp.Result.Tools, 1)
	require.Equal(t, "narrate_artifact", resp.Result.Tools[0].Name)
}

func TestNarrateArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFFdata"), 0o644))
	n := &fakeNarrator{result: &models.NarrationResult{
		ID: uuid.New(), Story: "我是三星堆的青铜面具...", AudioPath: &path, AudioMimeType: "audio/wav",
	}}
	h := NewServer(n).Handler()

	_, resp := call(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"narrate_artifact","arguments":{"name":"三星堆青铜面具"}}}`, "")
	require.False(t, resp.Result.IsError)
	require.Len(t, resp.Result.Content, 2)
	require.Equal(t, "我是三星堆的青铜面具...", resp.Result.Content[0].Text)

	_, resp = call(t, h, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"narrate_artifact","arguments":{"name":"三星堆青铜面具","include_audio":true}}}`, "")
	require.Len(t, resp.Result.Content, 3)
	audio := resp.Result.Content[2]
	require.Equal(t, "audio", audio.Type)
	require.Equal(t, "audio/wav", audio.MimeType)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("RIFFdata")), audio.Data)
}

func TestNarrateArtifact_Errors(t *testing.T) {
	h := NewServer(&fakeNarrator{result: &models.NarrationResult{CredentialMissing: true}}).Handler()

	_, resp := call(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"narrate_artifact","arguments":{}}}`, "")
	require.True(t, resp.Result.IsError)

	_, resp = call(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"narrate_artifact","arguments":{"name":"x"}}}`, "")
	require.True(t, resp.Result.IsError)
	require.Contains(t, resp.Result.Content[0].Text, "credential")

	_, resp = call(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"translate_label"}}`, "")
	require.NotNil(t, resp.Error)
	require.Equal(t, -32602, resp.Error.Code)

	_, resp = call(t, h, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, "")
	require.Equal(t, -32601, resp.Error.Code)

	_, resp = call(t, h, `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`, "")
	require.Equal(t, -32600, resp.Error.Code)

	_, resp = call(t, h, `{not json`, "")
	require.Equal(t, -32700, resp.Error.Code)
}

type fakeKeyStore struct {
	key    *models.APIKey
	lookup string
}

func (f *fakeKeyStore) GetByKeyLookup(ctx context.Context, lookup string) (*models.APIKey, error) {
	if lookup != f.lookup {
		return nil, database.ErrNotFound
	}
	return f.key, nil
}

func TestAuthMiddleware(t *testing.T) {
	plain, hash, err := database.GenerateKey()
	require.NoError(t, err)
	keyID := uuid.New()
	store := &fakeKeyStore{
		key:    &models.APIKey{ID: keyID, KeyHash: hash, Status: "active"},
		lookup: database.KeyLookupHash(plain),
	}
	n := &fakeNarrator{result: &models.NarrationResult{Story: "story"}}
	h := AuthMiddleware(auth.NewService(store))(NewServer(n).Handler())
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"narrate_artifact","arguments":{"name":"x"}}}`

	rec, _ := call(t, h, body, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = call(t, h, body, "Bearer sk_wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = call(t, h, body, "Bearer "+plain)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, n.gotKeyID)
	require.Equal(t, keyID, *n.gotKeyID)
}
