package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/MegaGrindStone/tc-chat/internal/conversation"
	"github.com/MegaGrindStone/tc-chat/internal/handlers"
	"github.com/MegaGrindStone/tc-chat/internal/models"
)

type mockConversation struct {
	messages  []models.Message
	settings  models.Settings
	state     conversation.State
	models    []string
	submitErr error

	submitted []string
	resets    int
}

type mockSecrets struct {
	credential string
	err        error
}

type mockClient struct {
	responses []string
	err       error

	requests []models.CompletionRequest
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMain(t *testing.T, conv *mockConversation, secrets *mockSecrets, client *mockClient) handlers.Main {
	t.Helper()

	if conv.models == nil {
		conv.models = models.DefaultModels
	}
	if conv.settings.SelectedModel == "" {
		conv.settings.SelectedModel = conv.models[0]
	}

	main, err := handlers.NewMain(conv, secrets, client, handlers.Config{}, discardLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() {
		_ = main.Shutdown(context.Background())
	})
	return main
}

func postForm(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestNewMain(t *testing.T) {
	main, err := handlers.NewMain(&mockConversation{}, &mockSecrets{}, &mockClient{}, handlers.Config{}, discardLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	conv := &mockConversation{
		messages: []models.Message{
			models.NewMessage(models.RoleUser, "Hello"),
			models.NewMessage(models.RoleAssistant, "Hi **there**"),
			models.NewErrorMessage(models.NetworkErrorText),
		},
		settings: models.Settings{SelectedModel: "deepseek-r1"},
	}
	main := newMain(t, conv, &mockSecrets{}, &mockClient{})

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Transcript",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody: []string{
				"Hello",
				"Hi <strong>there</strong>",
				models.NetworkErrorText,
				`class="message system error"`,
				`<option value="deepseek-r1" selected>`,
			},
		},
		{
			name:       "Unknown path",
			url:        "/nope",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), want)
				}
			}
		})
	}
}

func TestHandleHomeStreaming(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
		want     string
	}{
		{
			name:     "Waiting for first fragment",
			messages: []models.Message{models.NewMessage(models.RoleUser, "Hello")},
			want:     "waiting",
		},
		{
			name: "Reply streaming",
			messages: []models.Message{
				models.NewMessage(models.RoleUser, "Hello"),
				models.NewMessage(models.RoleAssistant, "Hi"),
			},
			want: "assistant streaming",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &mockConversation{messages: tt.messages, state: conversation.StateStreaming}
			main := newMain(t, conv, &mockSecrets{}, &mockClient{})

			w := httptest.NewRecorder()
			main.HandleHome(w, httptest.NewRequest(http.MethodGet, "/", nil))

			body := w.Body.String()
			if !strings.Contains(body, tt.want) {
				t.Errorf("HandleHome() body = %v, want to contain %v", body, tt.want)
			}
			if !strings.Contains(body, `<textarea id="message" name="message" rows="2" placeholder="Type a message..." disabled>`) {
				t.Error("HandleHome() composer should be disabled while streaming")
			}
		})
	}
}

func TestHandleSubmit(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		message    string
		submitErr  error
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			submitErr:  fmt.Errorf("%w: message is empty", models.ErrValidation),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Missing credential",
			method:     http.MethodPost,
			message:    "Hello",
			submitErr:  fmt.Errorf("%w: no API key configured", models.ErrConfiguration),
			wantStatus: http.StatusPreconditionFailed,
		},
		{
			name:       "Busy",
			method:     http.MethodPost,
			message:    "Hello",
			submitErr:  fmt.Errorf("%w: a reply is still streaming", models.ErrBusy),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "Closed",
			method:     http.MethodPost,
			message:    "Hello",
			submitErr:  conversation.ErrClosed,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "Accepted",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &mockConversation{submitErr: tt.submitErr}
			main := newMain(t, conv, &mockSecrets{}, &mockClient{})

			req := postForm("/messages", "message="+tt.message)
			req.Method = tt.method
			w := httptest.NewRecorder()

			main.HandleSubmit(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleSubmit() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusAccepted && !strings.Contains(w.Body.String(), "Hello") {
				t.Errorf("HandleSubmit() body = %v, want the new user message", w.Body.String())
			}
		})
	}
}

func TestHandleToggle(t *testing.T) {
	conv := &mockConversation{}
	main := newMain(t, conv, &mockSecrets{}, &mockClient{})

	for _, want := range []string{"Show chat", "Hide chat"} {
		w := httptest.NewRecorder()
		main.HandleToggle(w, postForm("/toggle", ""))

		if w.Code != http.StatusOK {
			t.Fatalf("HandleToggle() status = %v, want %v", w.Code, http.StatusOK)
		}
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("HandleToggle() body = %v, want to contain %v", w.Body.String(), want)
		}
	}
}

func TestHandleSelectModel(t *testing.T) {
	tests := []struct {
		name       string
		model      string
		wantStatus int
	}{
		{name: "Allowed model", model: "deepseek-r1", wantStatus: http.StatusNoContent},
		{name: "Unknown model", model: "gpt-17", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &mockConversation{}
			main := newMain(t, conv, &mockSecrets{}, &mockClient{})

			w := httptest.NewRecorder()
			main.HandleSelectModel(w, postForm("/model", "model="+tt.model))

			if w.Code != tt.wantStatus {
				t.Errorf("HandleSelectModel() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusNoContent && conv.settings.SelectedModel != tt.model {
				t.Errorf("selected model = %v, want %v", conv.settings.SelectedModel, tt.model)
			}
		})
	}
}

func TestHandleReset(t *testing.T) {
	conv := &mockConversation{
		messages: []models.Message{models.NewMessage(models.RoleUser, "Hello")},
	}
	main := newMain(t, conv, &mockSecrets{}, &mockClient{})

	w := httptest.NewRecorder()
	main.HandleReset(w, postForm("/reset", ""))

	if w.Code != http.StatusOK {
		t.Errorf("HandleReset() status = %v, want %v", w.Code, http.StatusOK)
	}
	if conv.resets != 1 || len(conv.messages) != 0 {
		t.Errorf("resets = %d messages = %d, want 1 and 0", conv.resets, len(conv.messages))
	}
}

func TestHandleOptions(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		body           string
		credential     string
		setErr         error
		wantStatus     int
		wantBody       string
		wantCredential string
	}{
		{
			name:       "No credential",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
			wantBody:   "No API key is configured.",
		},
		{
			name:       "Configured credential",
			method:     http.MethodGet,
			credential: "sk-old",
			wantStatus: http.StatusOK,
			wantBody:   "An API key is configured.",
		},
		{
			name:       "Save blank key",
			method:     http.MethodPost,
			body:       "apiKey=+++",
			wantStatus: http.StatusBadRequest,
			wantBody:   "Please enter an API key.",
		},
		{
			name:           "Save trimmed key",
			method:         http.MethodPost,
			body:           "apiKey=+sk-new+",
			wantStatus:     http.StatusOK,
			wantBody:       "API key saved.",
			wantCredential: "sk-new",
		},
		{
			name:       "Save failure",
			method:     http.MethodPost,
			body:       "apiKey=sk-new",
			setErr:     errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "The API key could not be saved.",
		},
		{
			name:       "Invalid method",
			method:     http.MethodDelete,
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secrets := &mockSecrets{credential: tt.credential, err: tt.setErr}
			main := newMain(t, &mockConversation{}, secrets, &mockClient{})

			req := postForm("/options", tt.body)
			req.Method = tt.method
			w := httptest.NewRecorder()

			main.HandleOptions(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleOptions() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleOptions() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
			if tt.wantCredential != "" && secrets.credential != tt.wantCredential {
				t.Errorf("stored credential = %q, want %q", secrets.credential, tt.wantCredential)
			}
		})
	}
}

func TestHandleTestConnection(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		credential  string
		client      *mockClient
		wantStatus  int
		wantBody    string
		wantKey     string
		wantPrompt  string
		wantRequest bool
	}{
		{
			name:        "Stored key and default prompt",
			credential:  "sk-stored",
			client:      &mockClient{responses: []string{"It ", "works"}},
			wantStatus:  http.StatusOK,
			wantBody:    "Reply: It works",
			wantKey:     "sk-stored",
			wantPrompt:  "test",
			wantRequest: true,
		},
		{
			name:        "Form key and prompt",
			body:        "apiKey=sk-form&prompt=ping&model=deepseek-r1",
			credential:  "sk-stored",
			client:      &mockClient{responses: []string{"pong"}},
			wantStatus:  http.StatusOK,
			wantBody:    "Reply: pong",
			wantKey:     "sk-form",
			wantPrompt:  "ping",
			wantRequest: true,
		},
		{
			name:        "Authentication failure",
			credential:  "sk-bad",
			client:      &mockClient{err: fmt.Errorf("%w: 401", models.ErrAuthentication)},
			wantStatus:  http.StatusOK,
			wantBody:    models.AuthenticationErrorText,
			wantKey:     "sk-bad",
			wantPrompt:  "test",
			wantRequest: true,
		},
		{
			name:       "No key",
			client:     &mockClient{},
			wantStatus: http.StatusPreconditionFailed,
			wantBody:   "Please enter an API key.",
		},
		{
			name:       "Unknown model",
			body:       "model=gpt-17",
			credential: "sk-stored",
			client:     &mockClient{},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &mockConversation{}
			main := newMain(t, conv, &mockSecrets{credential: tt.credential}, tt.client)

			w := httptest.NewRecorder()
			main.HandleTestConnection(w, postForm("/options/test", tt.body))

			if w.Code != tt.wantStatus {
				t.Errorf("HandleTestConnection() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleTestConnection() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
			if len(conv.submitted) != 0 || len(conv.messages) != 0 {
				t.Error("HandleTestConnection() must not touch the transcript")
			}

			if !tt.wantRequest {
				if len(tt.client.requests) != 0 {
					t.Errorf("got %d requests, want none", len(tt.client.requests))
				}
				return
			}
			if len(tt.client.requests) != 1 {
				t.Fatalf("got %d requests, want 1", len(tt.client.requests))
			}
			req := tt.client.requests[0]
			if req.APIKey != tt.wantKey {
				t.Errorf("request key = %q, want %q", req.APIKey, tt.wantKey)
			}
			if len(req.Messages) != 1 || req.Messages[0].Content != tt.wantPrompt {
				t.Errorf("request messages = %+v, want prompt %q", req.Messages, tt.wantPrompt)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		conv       *mockConversation
		wantStatus int
		wantState  string
		wantHidden bool
	}{
		{
			name:       "Idle",
			method:     http.MethodGet,
			conv:       &mockConversation{},
			wantStatus: http.StatusOK,
			wantState:  "idle",
		},
		{
			name:       "Streaming and hidden",
			method:     http.MethodGet,
			conv:       &mockConversation{state: conversation.StateStreaming, settings: models.Settings{Hidden: true}},
			wantStatus: http.StatusOK,
			wantState:  "streaming",
			wantHidden: true,
		},
		{
			name:       "Invalid method",
			method:     http.MethodPost,
			conv:       &mockConversation{},
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, tt.conv, &mockSecrets{}, &mockClient{})

			w := httptest.NewRecorder()
			main.HandleStatus(w, httptest.NewRequest(tt.method, "/status", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleStatus() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var got struct {
				State  string `json:"state"`
				Model  string `json:"model"`
				Hidden bool   `json:"hidden"`
			}
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("failed to decode status: %v", err)
			}
			if got.State != tt.wantState || got.Hidden != tt.wantHidden {
				t.Errorf("status = %+v, want state %v hidden %v", got, tt.wantState, tt.wantHidden)
			}
			if got.Model != tt.conv.settings.SelectedModel {
				t.Errorf("model = %q, want %q", got.Model, tt.conv.settings.SelectedModel)
			}
		})
	}
}

func TestHandleTranscript(t *testing.T) {
	conv := &mockConversation{
		messages: []models.Message{
			models.NewMessage(models.RoleUser, "Hello"),
			models.NewMessage(models.RoleAssistant, "Hi"),
		},
		state: conversation.StateStreaming,
	}
	main := newMain(t, conv, &mockSecrets{}, &mockClient{})

	w := httptest.NewRecorder()
	main.HandleTranscript(w, httptest.NewRequest(http.MethodGet, "/transcript", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("HandleTranscript() status = %v, want %v", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Hello") || !strings.Contains(body, "assistant streaming") {
		t.Errorf("HandleTranscript() body = %v, want both messages with the reply streaming", body)
	}
	if strings.Contains(body, "<html") {
		t.Error("HandleTranscript() should render only the partial")
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	main := newMain(t, &mockConversation{}, &mockSecrets{}, &mockClient{})

	main.Publish(conversation.Update{
		Messages: []models.Message{models.NewMessage(models.RoleUser, "Hello")},
		State:    conversation.StateStreaming,
		Err:      models.ErrPersistence,
	})
}

func (m *mockConversation) Submit(_ context.Context, text string) error {
	if m.submitErr != nil {
		return m.submitErr
	}
	m.submitted = append(m.submitted, text)
	m.messages = append(m.messages, models.NewMessage(models.RoleUser, text))
	m.state = conversation.StateStreaming
	return nil
}

func (m *mockConversation) SelectModel(_ context.Context, id string) error {
	if !slices.Contains(m.models, id) {
		return fmt.Errorf("%w: unknown model %q", models.ErrValidation, id)
	}
	m.settings.SelectedModel = id
	return nil
}

func (m *mockConversation) Toggle(context.Context) bool {
	m.settings.Hidden = !m.settings.Hidden
	return !m.settings.Hidden
}

func (m *mockConversation) Reset(context.Context) {
	m.resets++
	m.messages = nil
	m.state = conversation.StateIdle
}

func (m *mockConversation) Messages() []models.Message {
	return slices.Clone(m.messages)
}

func (m *mockConversation) Settings() models.Settings {
	return m.settings
}

func (m *mockConversation) State() conversation.State {
	return m.state
}

func (m *mockConversation) Models() []string {
	return m.models
}

func (m *mockSecrets) Credential(context.Context) (string, error) {
	return m.credential, nil
}

func (m *mockSecrets) SetCredential(_ context.Context, credential string) error {
	if m.err != nil {
		return m.err
	}
	m.credential = credential
	return nil
}

func (m *mockClient) Stream(_ context.Context, req models.CompletionRequest) iter.Seq2[string, error] {
	m.requests = append(m.requests, req)
	return func(yield func(string, error) bool) {
		if m.err != nil {
			yield("", m.err)
			return
		}
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
	}
}

