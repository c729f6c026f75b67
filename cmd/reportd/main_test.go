package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/search/serpapi"
)

func TestLogClientErrorSkipsMissingCredentials(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	_, err := serpapi.NewClient(serpapi.Config{})
	if logClientError(log, "search", err) {
		t.Fatalf("missing credentials must not be logged again")
	}
	if logClientError(log, "search", nil) {
		t.Fatalf("nil error must not be logged")
	}
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output: %s", buf.String())
	}
}

func TestLogClientErrorReportsInvalidConfig(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	_, err := serpapi.NewClient(serpapi.Config{APIKey: "k", BaseURL: "::not a url"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if !logClientError(log, "search", err) {
		t.Fatalf("expected invalid base url to be logged")
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"ERROR"`) || !strings.Contains(out, `"component":"search"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}
