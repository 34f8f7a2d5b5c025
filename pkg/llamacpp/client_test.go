package llamacpp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llava", req.Model)

		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"{\"label\":\"damaged_floor\",\"confidence\":0.6,\"box\":{\"x\":0,\"y\":0.5,\"w\":1,\"h\":0.5}}"}]}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL + "/")
	require.NoError(t, err)

	loc, err := c.AnalyzeImage(context.Background(), "llava", "where?", "aW1n")
	require.NoError(t, err)
	assert.Equal(t, "damaged_floor", loc.Label)
	assert.Equal(t, 0.5, loc.Box.Y)
}

func TestSimpleQueryStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	_, err = c.SimpleQuery(context.Background(), "llava", "hi", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSimpleQueryString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"a subway car"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	text, err := c.SimpleQuery(context.Background(), "llava", "what?", "")
	require.NoError(t, err)
	assert.Equal(t, "a subway car", text)
}
