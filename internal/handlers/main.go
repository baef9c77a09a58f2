package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tcchat "github.com/MegaGrindStone/tc-chat"
	"github.com/MegaGrindStone/tc-chat/internal/conversation"
	"github.com/MegaGrindStone/tc-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Conversation is the part of conversation.Controller the handlers drive.
type Conversation interface {
	Submit(ctx context.Context, text string) error
	SelectModel(ctx context.Context, id string) error
	Toggle(ctx context.Context) bool
	Reset(ctx context.Context)

	Messages() []models.Message
	Settings() models.Settings
	State() conversation.State
	Models() []string
}

// Config tunes the handlers.
type Config struct {
	// CredentialOptional lets the connection test run without an API key.
	CredentialOptional bool

	// TestTimeout bounds a connection test. Zero means 30 seconds.
	TestTimeout time.Duration
}

// Main serves the chat widget: the transcript view, the command endpoints that drive the Conversation, the
// server-sent event feed that pushes every transcript change to the browser, and the options page.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  markdown

	conv    Conversation
	secrets conversation.SecretStore
	tester  conversation.CompletionClient

	credentialOptional bool
	testTimeout        time.Duration

	logger *slog.Logger
}

// SSE event types for real-time updates.
var (
	transcriptSSEType = sse.Type("transcript")
	statusSSEType     = sse.Type("status")
)

const (
	errLoggerKey = "err"

	defaultTestTimeout = 30 * time.Second
)

// NewMain creates a new Main instance. It parses the HTML templates from the embedded filesystem and
// initializes the SSE server that every browser tab subscribes to.
func NewMain(
	conv Conversation,
	secrets conversation.SecretStore,
	tester conversation.CompletionClient,
	cfg Config,
	logger *slog.Logger,
) (Main, error) {
	md := newMarkdown()

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"markdown": md.render,
	}).ParseFS(
		tcchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	testTimeout := cfg.TestTimeout
	if testTimeout == 0 {
		testTimeout = defaultTestTimeout
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic},
				}, true
			},
		},
		templates:          tmpl,
		markdown:           md,
		conv:               conv,
		secrets:            secrets,
		tester:             tester,
		credentialOptional: cfg.CredentialOptional,
		testTimeout:        testTimeout,
		logger:             logger.With(slog.String("module", "main")),
	}, nil
}

// HandleSSE streams transcript and status events to the browser.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

type statusEvent struct {
	State  string `json:"state"`
	Model  string `json:"model"`
	Hidden bool   `json:"hidden"`
	Notice string `json:"notice,omitempty"`
}

// Publish pushes a conversation update to every connected browser. It is meant to be used as
// conversation.Config.OnUpdate.
func (m Main) Publish(u conversation.Update) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "transcript", transcriptView(u.Messages, u.State)); err != nil {
		m.logger.Error("Failed to render transcript", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: transcriptSSEType}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg); err != nil {
		m.logger.Error("Failed to publish transcript", slog.String(errLoggerKey, err.Error()))
		return
	}

	status := statusEvent{
		State:  u.State.String(),
		Model:  u.Settings.SelectedModel,
		Hidden: u.Settings.Hidden,
	}
	if u.Err != nil {
		status.Notice = "Your conversation could not be saved."
		if !errors.Is(u.Err, models.ErrPersistence) {
			status.Notice = models.FriendlyError(u.Err)
		}
	}
	data, err := json.Marshal(status)
	if err != nil {
		m.logger.Error("Failed to marshal status", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg = sse.Message{Type: statusSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(&msg); err != nil {
		m.logger.Error("Failed to publish status", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleStatus reports the turn state, the selected model and the widget visibility as JSON. The browser
// fetches it whenever the event stream connects, since events published while it was away are lost.
func (m Main) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	settings := m.conv.Settings()
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(statusEvent{
		State:  m.conv.State().String(),
		Model:  settings.SelectedModel,
		Hidden: settings.Hidden,
	})
	if err != nil {
		m.logger.Error("Failed to write status", slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// Events without data are dropped by browsers
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// statusCode maps a command error to its HTTP status.
func statusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrConfiguration):
		return http.StatusPreconditionFailed
	case errors.Is(err, models.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
