package services_test

import (
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/tc-chat/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, seq iter.Seq2[string, error]) ([]string, error) {
	t.Helper()

	var fragments []string
	var streamErr error
	for fragment, err := range seq {
		if err != nil {
			if streamErr != nil {
				t.Fatalf("stream yielded a second error: %v", err)
			}
			streamErr = err
			continue
		}
		if streamErr != nil {
			t.Fatalf("stream yielded fragment %q after error %v", fragment, streamErr)
		}
		fragments = append(fragments, fragment)
	}
	return fragments, streamErr
}

func closedServerURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func testRequest() models.CompletionRequest {
	return models.CompletionRequest{
		Model:  "deepseek-v3",
		APIKey: "sk-test",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "Hello"},
		},
	}
}

func assertFragments(t *testing.T, got, want []string) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("got %d fragments %q, want %d %q", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("fragment %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func assertErrorKind(t *testing.T, err, want error) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error %v, got nil", want)
	}
	if !errors.Is(err, want) {
		t.Errorf("error = %v, want kind %v", err, want)
	}
}
