package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/tc-chat/internal/conversation"
	"github.com/MegaGrindStone/tc-chat/internal/models"
)

type message struct {
	ID        string
	Role      string
	Content   string
	Timestamp time.Time
	IsError   bool

	Streaming bool
}

type transcriptData struct {
	Messages []message
	Waiting  bool
}

type homePageData struct {
	Transcript transcriptData
	Models     []string
	Selected   string
	Hidden     bool
	Busy       bool
}

// transcriptView prepares messages for the transcript partial. While a reply streams, the last assistant
// message is marked as streaming, or a waiting indicator is shown if no fragment has arrived yet.
func transcriptView(msgs []models.Message, state conversation.State) transcriptData {
	data := transcriptData{Messages: make([]message, len(msgs))}
	for i, msg := range msgs {
		data.Messages[i] = message{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
			IsError:   msg.IsError,
		}
	}

	if state == conversation.StateIdle {
		return data
	}
	if n := len(data.Messages); n > 0 && data.Messages[n-1].Role == string(models.RoleAssistant) {
		data.Messages[n-1].Streaming = true
		return data
	}
	data.Waiting = true
	return data
}

// HandleHome renders the chat widget with the persisted transcript, so a reload shows the same
// conversation.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	state := m.conv.State()
	settings := m.conv.Settings()
	data := homePageData{
		Transcript: transcriptView(m.conv.Messages(), state),
		Models:     m.conv.Models(),
		Selected:   settings.SelectedModel,
		Hidden:     settings.Hidden,
		Busy:       state != conversation.StateIdle,
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleTranscript renders the transcript partial.
func (m Main) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "transcript", transcriptView(m.conv.Messages(), m.conv.State())); err != nil {
		m.logger.Error("Failed to render transcript", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleToggle flips the widget visibility and renders the toggle button for the new state.
func (m Main) HandleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	visible := m.conv.Toggle(r.Context())
	m.logger.Debug("Widget toggled", slog.Bool("visible", visible))

	if err := m.templates.ExecuteTemplate(w, "toggle", !visible); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSelectModel makes the "model" form value the model of future turns.
func (m Main) HandleSelectModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	model := r.FormValue("model")
	if err := m.conv.SelectModel(r.Context(), model); err != nil {
		m.logger.Error("Failed to select model",
			slog.String("model", model),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), statusCode(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleReset clears the transcript, abandoning the reply in flight.
func (m Main) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.conv.Reset(r.Context())

	if err := m.templates.ExecuteTemplate(w, "transcript", transcriptData{}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
