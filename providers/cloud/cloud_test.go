package cloud

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigrun/rigrun/types"
)

func TestAdapterChatWithoutCredentialIsNotConfigured(t *testing.T) {
	a := New(Config{})
	_, err := a.Chat(t.Context(), "gpt-4o", nil)
	require.Error(t, err)
	var notConfigured *types.ErrNotConfigured
	require.ErrorAs(t, err, &notConfigured)
}

func TestAdapterChatSendsBearerAndIdentityHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "https://rigrun.dev", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "rigrun", r.Header.Get("X-Title"))
		fmt.Fprint(w, `{"id":"x","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Identity: Identity{Referer: "https://rigrun.dev", Title: "rigrun"}})
	resp, err := a.Chat(t.Context(), "gpt-4o", []types.Message{{Role: types.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
}

func TestAdapterChatMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status  int
		checkFn func(t *testing.T, err error)
	}{
		{http.StatusUnauthorized, func(t *testing.T, err error) {
			var authErr *types.ErrAuth
			require.ErrorAs(t, err, &authErr)
		}},
		{http.StatusTooManyRequests, func(t *testing.T, err error) {
			var rateErr *types.ErrRateLimited
			require.ErrorAs(t, err, &rateErr)
		}},
		{http.StatusNotFound, func(t *testing.T, err error) {
			var notFound *types.ErrModelNotFound
			require.ErrorAs(t, err, &notFound)
		}},
		{http.StatusInternalServerError, func(t *testing.T, err error) {
			var apiErr *types.ErrAPI
			require.ErrorAs(t, err, &apiErr)
		}},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			fmt.Fprint(w, `{"error":"boom"}`)
		}))

		a := New(Config{BaseURL: srv.URL, APIKey: "sk-test"})
		_, err := a.Chat(t.Context(), "gpt-4o", nil)
		require.Error(t, err)
		tc.checkFn(t, err)
		srv.Close()
	}
}

func TestAdapterChatStreamDeliversChunksUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"llo\"},\"finish_reason\":\"stop\"}]}\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL, APIKey: "sk-test"})
	var texts []string
	err := a.ChatStream(t.Context(), "gpt-4o", nil, func(c types.StreamChunk) {
		texts = append(texts, c.Text)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"he", "llo"}, texts)
}

func TestKnownModelsIsAConstantSet(t *testing.T) {
	models := KnownModels()
	require.NotEmpty(t, models)
	assert.Equal(t, "openrouter/auto", models[0].ID)
}

func TestResolveAPIKeyPrefersExplicit(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "env-key")
	assert.Equal(t, "explicit-key", ResolveAPIKey("explicit-key"))
	assert.Equal(t, "env-key", ResolveAPIKey(""))
}
