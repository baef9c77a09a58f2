package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/tc-chat/internal/models"
)

type optionsPageData struct {
	HasCredential bool
	Saved         bool
	Error         string
	Models        []string
	Selected      string
}

type testResult struct {
	Reply    string
	Duration time.Duration
	Error    string
}

const defaultTestPrompt = "test"

// HandleOptions renders the options page on GET and saves the "apiKey" form value on POST.
func (m Main) HandleOptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m.renderOptions(r.Context(), w, http.StatusOK, optionsPageData{})
	case http.MethodPost:
		m.saveCredential(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m Main) saveCredential(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.FormValue("apiKey"))
	if key == "" {
		m.renderOptions(r.Context(), w, http.StatusBadRequest, optionsPageData{Error: "Please enter an API key."})
		return
	}

	if err := m.secrets.SetCredential(r.Context(), key); err != nil {
		m.logger.Error("Failed to save credential", slog.String(errLoggerKey, err.Error()))
		m.renderOptions(r.Context(), w, http.StatusInternalServerError,
			optionsPageData{Error: "The API key could not be saved."})
		return
	}

	m.logger.Info("Credential saved")
	m.renderOptions(r.Context(), w, http.StatusOK, optionsPageData{Saved: true})
}

func (m Main) renderOptions(ctx context.Context, w http.ResponseWriter, status int, data optionsPageData) {
	credential, err := m.secrets.Credential(ctx)
	if err != nil {
		m.logger.Error("Failed to read credential", slog.String(errLoggerKey, err.Error()))
	}
	data.HasCredential = credential != ""
	data.Models = m.conv.Models()
	data.Selected = m.conv.Settings().SelectedModel

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := m.templates.ExecuteTemplate(w, "options.html", data); err != nil {
		m.logger.Error("Failed to render options", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleTestConnection streams a test prompt to the completion endpoint and renders the reply with the time
// it took. It uses the "apiKey" form value, or the stored credential when that is blank, and never touches
// the transcript.
func (m Main) HandleTestConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	model := r.FormValue("model")
	if model == "" {
		model = m.conv.Settings().SelectedModel
	}
	if !slices.Contains(m.conv.Models(), model) {
		http.Error(w, fmt.Sprintf("unknown model %q", model), http.StatusBadRequest)
		return
	}

	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		prompt = defaultTestPrompt
	}

	key := strings.TrimSpace(r.FormValue("apiKey"))
	if key == "" {
		var err error
		key, err = m.secrets.Credential(r.Context())
		if err != nil {
			m.logger.Error("Failed to read credential", slog.String(errLoggerKey, err.Error()))
			http.Error(w, "The stored API key could not be read.", http.StatusInternalServerError)
			return
		}
	}
	if key == "" && !m.credentialOptional {
		http.Error(w, "Please enter an API key.", http.StatusPreconditionFailed)
		return
	}

	res := m.testConnection(r.Context(), models.CompletionRequest{
		Model:    model,
		APIKey:   key,
		Messages: []models.Message{models.NewMessage(models.RoleUser, prompt)},
	})

	if err := m.templates.ExecuteTemplate(w, "test_result", res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) testConnection(ctx context.Context, req models.CompletionRequest) testResult {
	ctx, cancel := context.WithTimeout(ctx, m.testTimeout)
	defer cancel()

	start := time.Now()
	var sb strings.Builder
	for fragment, err := range m.tester.Stream(ctx, req) {
		if err != nil {
			m.logger.Warn("Connection test failed",
				slog.String("model", req.Model),
				slog.String(errLoggerKey, err.Error()))
			return testResult{Duration: time.Since(start), Error: models.FriendlyError(err)}
		}
		sb.WriteString(fragment)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return testResult{Duration: time.Since(start), Error: models.NetworkErrorText}
	}

	return testResult{Reply: sb.String(), Duration: time.Since(start)}
}
