package firecrawl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "MarketResearch/internal/errors"
)

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeMissingCredentials, xerrors.CodeOf(err))
}

func TestScrapeSendsPageOptions(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/scrape", r.URL.Path)
		assert.Equal(t, "Bearer fc-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"success":true,"data":{"markdown":"# Acme\nRockets","metadata":{"title":"Acme Home"}}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "fc-key", BaseURL: srv.URL, OnlyMainContent: true, HTTPClient: srv.Client()})
	require.NoError(t, err)

	page, err := client.Scrape(context.Background(), "https://acme.com")
	require.NoError(t, err)
	assert.Equal(t, "Acme Home", page.Title)
	assert.Equal(t, "# Acme\nRockets", page.Markdown)

	assert.Equal(t, "https://acme.com", body["url"])
	assert.Equal(t, []any{"markdown"}, body["formats"])
	assert.Equal(t, true, body["onlyMainContent"])
	assert.Equal(t, float64(30000), body["timeout"])
	assert.Equal(t, float64(2000), body["waitFor"])
}

func TestScrapeFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"http status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "payment required", http.StatusPaymentRequired)
		},
		"unsuccessful": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"error":"blocked"}`))
		},
		"empty markdown": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":true,"data":{"markdown":"  "}}`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
			require.NoError(t, err)
			_, err = client.Scrape(context.Background(), "https://acme.com")
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeUpstreamFailure, xerrors.CodeOf(err))
		})
	}
}

func TestScrapeTimeouts(t *testing.T) {
	t.Run("upstream 408", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusRequestTimeout)
			_, _ = w.Write([]byte(`{"error":"page took too long"}`))
		}))
		defer srv.Close()

		client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
		require.NoError(t, err)
		_, err = client.Scrape(context.Background(), "https://acme.com")
		assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	})

	t.Run("context deadline", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = client.Scrape(ctx, "https://acme.com")
		assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	})
}
