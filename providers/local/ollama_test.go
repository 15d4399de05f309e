package local

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigrun/rigrun/types"
)

func TestOllamaDriverIsUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	d := NewOllamaDriver(srv.URL, nil)
	require.NoError(t, d.IsUp(t.Context()))
}

func TestOllamaDriverListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3","modified_at":"2026-01-01T00:00:00Z","size":123}]}`)
	}))
	defer srv.Close()

	d := NewOllamaDriver(srv.URL, nil)
	models, err := d.ListModels(t.Context())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3", models[0].Name)
}

func TestOllamaDriverChatUsesPromptAndEvalCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"hi there"},"done":true,"prompt_eval_count":5,"eval_count":2}`)
	}))
	defer srv.Close()

	d := NewOllamaDriver(srv.URL, nil)
	resp, err := d.Chat(t.Context(), "llama3", []types.Message{{Role: types.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Text)
	assert.Equal(t, 5, resp.PromptTokens)
	assert.Equal(t, 2, resp.CompletionTokens)
}

func TestOllamaDriverChatModelMissingMapsTo404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewOllamaDriver(srv.URL, nil)
	_, err := d.Chat(t.Context(), "missing-model", nil)
	require.Error(t, err)
	assert.Equal(t, NewModelMissingError("missing-model").Error(), err.Error())
}

func TestOllamaDriverChatStreamDecodesFramesUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":"he"},"done":false}`)
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":"llo"},"done":false}`)
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":1,"eval_count":2}`)
	}))
	defer srv.Close()

	d := NewOllamaDriver(srv.URL, nil)
	var texts []string
	var sawDone bool
	err := d.ChatStream(t.Context(), "llama3", nil, func(c types.StreamChunk) {
		texts = append(texts, c.Text)
		if c.Done {
			sawDone = true
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"he", "llo", ""}, texts)
	assert.True(t, sawDone)
}

func TestOllamaDriverEnsureModelStreamsProgressUntilSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pull", r.URL.Path)
		fmt.Fprintln(w, `{"status":"downloading","total":100,"completed":50}`)
		fmt.Fprintln(w, `{"status":"success"}`)
	}))
	defer srv.Close()

	d := NewOllamaDriver(srv.URL, nil)
	var statuses []string
	err := d.EnsureModel(t.Context(), "llama3", func(p PullProgress) {
		statuses = append(statuses, p.Status)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"downloading", "success"}, statuses)
}
