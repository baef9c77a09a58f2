package handlers

import (
	"log/slog"
	"net/http"
)

// HandleSubmit starts a turn with the "message" form value. It answers with the transcript including the
// new user message, the reply follows through the SSE feed.
//
// Blank messages get 400, a missing API key 412, and a submit while a reply is still streaming 409. None of
// them changes the transcript.
func (m Main) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.conv.Submit(r.Context(), r.FormValue("message")); err != nil {
		m.logger.Warn("Submit rejected", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), statusCode(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
	if err := m.templates.ExecuteTemplate(w, "transcript", transcriptView(m.conv.Messages(), m.conv.State())); err != nil {
		m.logger.Error("Failed to render transcript", slog.String(errLoggerKey, err.Error()))
	}
}
