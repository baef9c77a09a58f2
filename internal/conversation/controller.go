// Package conversation owns the transcript of one chat widget and the lifecycle of the streamed request
// that answers each user turn.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MegaGrindStone/tc-chat/internal/models"
)

// CompletionClient streams the assistant reply for a request. The returned sequence yields text fragments in
// the order they arrive and ends when the remote signals completion. A failure is yielded once as the last
// element. Cancelling ctx ends the sequence without an error.
type CompletionClient interface {
	Stream(ctx context.Context, req models.CompletionRequest) iter.Seq2[string, error]
}

// TranscriptStore persists the transcript and the user settings. Save methods overwrite the previous record
// as a whole.
type TranscriptStore interface {
	LoadTranscript(ctx context.Context) (models.Transcript, error)
	SaveTranscript(ctx context.Context, transcript models.Transcript) error

	LoadSettings(ctx context.Context) (models.Settings, error)
	SaveSettings(ctx context.Context, settings models.Settings) error
}

// SecretStore keeps the API credential. Credential returns an empty string if none is configured.
type SecretStore interface {
	Credential(ctx context.Context) (string, error)
	SetCredential(ctx context.Context, credential string) error
}

// State is the phase of the current turn.
type State int

const (
	// StateIdle means no turn is in flight.
	StateIdle State = iota
	// StateSending means the user message is being appended and persisted.
	StateSending
	// StateStreaming means the reply is being received.
	StateStreaming
)

// Config tunes a Controller.
type Config struct {
	// Models is the allow-list of model identifiers. The first one is the default selection. Empty means
	// models.DefaultModels.
	Models []string

	// CredentialOptional lets Submit proceed without a stored credential, for endpoints that need none.
	CredentialOptional bool

	// OnUpdate receives a snapshot of the conversation after every change. It runs on a single goroutine
	// outside the controller lock, in order. When it falls behind, pending snapshots are coalesced into the
	// latest one.
	OnUpdate func(Update)
}

// Update describes the conversation after a change.
type Update struct {
	Messages []models.Message
	Settings models.Settings
	State    State

	// Err is set when persisting this change failed.
	Err error
}

// Controller is the single authority over a transcript. It accepts user turns, streams the assistant reply
// from a CompletionClient into the transcript, and persists the transcript after every change.
type Controller struct {
	client  CompletionClient
	store   TranscriptStore
	secrets SecretStore

	models             []string
	credentialOptional bool
	onUpdate           func(Update)

	logger *slog.Logger

	// ctx parents every stream, Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	// pending is the latest undelivered Update, wake signals the publisher goroutine.
	pendingMu sync.Mutex
	pending   *Update
	wake      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	published chan struct{}

	mu         sync.Mutex
	transcript models.Transcript
	settings   models.Settings
	state      State
	session    *session
}

// session is the transient state of one in-flight request.
type session struct {
	model   string
	history []models.Message

	// text is the cumulative reply received so far.
	text strings.Builder
	// open is the transcript index of the assistant message being streamed into, -1 before the first
	// fragment.
	open int

	cancel context.CancelFunc
	done   chan struct{}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// New creates a Controller and loads the transcript and settings from store. Load failures are logged and
// degrade to an empty transcript and default settings.
func New(
	ctx context.Context,
	cfg Config,
	client CompletionClient,
	store TranscriptStore,
	secrets SecretStore,
	logger *slog.Logger,
) *Controller {
	allowed := slices.Clone(cfg.Models)
	if len(allowed) == 0 {
		allowed = slices.Clone(models.DefaultModels)
	}

	logger = logger.With(slog.String("module", "conversation"))

	transcript, err := store.LoadTranscript(ctx)
	if err != nil {
		logger.Error("Failed to load transcript, starting empty", slog.String(errLoggerKey, err.Error()))
		transcript = models.Transcript{Version: models.TranscriptVersion}
	}

	settings, err := store.LoadSettings(ctx)
	if err != nil {
		logger.Error("Failed to load settings, using defaults", slog.String(errLoggerKey, err.Error()))
		settings = models.Settings{Version: models.SettingsVersion}
	}
	if !slices.Contains(allowed, settings.SelectedModel) {
		settings.SelectedModel = allowed[0]
	}

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c := &Controller{
		client:             client,
		store:              store,
		secrets:            secrets,
		models:             allowed,
		credentialOptional: cfg.CredentialOptional,
		onUpdate:           cfg.OnUpdate,
		logger:             logger,
		ctx:                baseCtx,
		cancel:             cancel,
		transcript:         transcript,
		settings:           settings,
		wake:               make(chan struct{}, 1),
		stop:               make(chan struct{}),
		published:          closedCh,
	}
	if c.onUpdate != nil {
		c.published = make(chan struct{})
		go c.publish()
	}
	return c
}

const errLoggerKey = "err"

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("conversation closed")

// Submit starts a new turn: it appends text as a user message, persists the transcript, and starts streaming
// the reply with the selected model. The reply is delivered asynchronously, use Done to wait for it.
//
// Submit fails with models.ErrValidation for blank text, models.ErrConfiguration when no credential is
// stored, and models.ErrBusy while another turn is in flight. A failed Submit leaves the transcript untouched.
func (c *Controller) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: message is empty", models.ErrValidation)
	}

	var credential string
	if !c.credentialOptional {
		var err error
		credential, err = c.secrets.Credential(ctx)
		if err != nil {
			return fmt.Errorf("%w: failed to read credential: %w", models.ErrConfiguration, err)
		}
		if credential == "" {
			return fmt.Errorf("%w: no API key configured", models.ErrConfiguration)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if c.state != StateIdle {
		return fmt.Errorf("%w: a reply is still streaming", models.ErrBusy)
	}

	c.transcript.Messages = append(c.transcript.Messages, models.NewMessage(models.RoleUser, text))
	c.state = StateSending
	c.persist(ctx)

	streamCtx, cancel := context.WithCancel(c.ctx)
	s := &session{
		model:   c.settings.SelectedModel,
		history: c.history(),
		open:    -1,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.session = s
	c.state = StateStreaming

	c.logger.Debug("Turn started",
		slog.String("model", s.model),
		slog.Int("history", len(s.history)))

	go c.run(streamCtx, s, credential)

	return nil
}

func (c *Controller) run(ctx context.Context, s *session, credential string) {
	req := models.CompletionRequest{
		Model:    s.model,
		APIKey:   credential,
		Messages: s.history,
	}

	for fragment, err := range c.client.Stream(ctx, req) {
		if err != nil {
			c.streamError(s, err)
			return
		}
		c.fragment(s, fragment)
	}

	if ctx.Err() != nil {
		c.abandon(s)
		return
	}
	c.streamComplete(s)
}

// OnFragment appends text to the reply of the active turn. Empty fragments are ignored.
func (c *Controller) OnFragment(text string) {
	c.fragment(c.activeSession(), text)
}

// OnStreamError ends the active turn with a flagged error message in the transcript.
func (c *Controller) OnStreamError(err error) {
	c.streamError(c.activeSession(), err)
}

// OnStreamComplete ends the active turn. The streamed assistant message becomes immutable.
func (c *Controller) OnStreamComplete() {
	c.streamComplete(c.activeSession())
}

func (c *Controller) activeSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) fragment(s *session, text string) {
	if text == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive(s, "fragment") {
		return
	}

	last := len(c.transcript.Messages) - 1
	if s.open >= 0 && s.open == last {
		c.transcript.Messages[last].Content += text
	} else {
		c.transcript.Messages = append(c.transcript.Messages, models.NewMessage(models.RoleAssistant, text))
		s.open = len(c.transcript.Messages) - 1
	}
	s.text.WriteString(text)

	c.persist(context.Background())
}

func (c *Controller) streamError(s *session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive(s, "error") {
		return
	}

	if errors.Is(err, context.Canceled) {
		c.logger.Info("Stream cancelled", slog.String("model", s.model))
		c.closeSession(s)
		c.notify(c.transcript.Clone().Messages, nil)
		return
	}

	c.logger.Error("Stream failed",
		slog.String("model", s.model),
		slog.Int("received", s.text.Len()),
		slog.String(errLoggerKey, err.Error()))

	c.transcript.Messages = append(c.transcript.Messages, models.NewErrorMessage(models.FriendlyError(err)))
	c.closeSession(s)
	c.persist(context.Background())
}

func (c *Controller) streamComplete(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive(s, "complete") {
		return
	}

	c.logger.Debug("Stream completed",
		slog.String("model", s.model),
		slog.Int("received", s.text.Len()))

	c.closeSession(s)
	c.persist(context.Background())
}

// abandon closes a session whose context was cancelled. Nothing changes in the transcript, so nothing is
// saved.
func (c *Controller) abandon(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Reset and OnStreamError may have closed it already.
	if c.session != s {
		return
	}

	c.logger.Info("Stream abandoned", slog.String("model", s.model))
	c.closeSession(s)
	c.notify(c.transcript.Clone().Messages, nil)
}

func (c *Controller) isActive(s *session, event string) bool {
	if s != nil && c.session == s {
		return true
	}
	c.logger.Warn("Ignoring stream event without an active session", slog.String("event", event))
	return false
}

func (c *Controller) closeSession(s *session) {
	s.cancel()
	close(s.done)
	c.session = nil
	c.state = StateIdle
}

// history is the transcript as sent to the model. Error entries are UI artifacts and are left out.
func (c *Controller) history() []models.Message {
	msgs := make([]models.Message, 0, len(c.transcript.Messages))
	for _, msg := range c.transcript.Messages {
		if msg.IsError {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (c *Controller) persist(ctx context.Context) {
	snapshot := c.transcript.Clone()
	err := c.store.SaveTranscript(ctx, snapshot)
	if err != nil {
		c.logger.Error("Failed to save transcript",
			slog.Int("messages", len(snapshot.Messages)),
			slog.String(errLoggerKey, err.Error()))
	}
	c.notify(snapshot.Messages, err)
}

// notify queues a snapshot for the publisher. It must be called with mu held, so snapshots are queued in
// the order of the changes.
func (c *Controller) notify(msgs []models.Message, err error) {
	if c.onUpdate == nil {
		return
	}
	u := Update{
		Messages: msgs,
		Settings: c.settings,
		State:    c.state,
		Err:      err,
	}

	c.pendingMu.Lock()
	// A failure of a coalesced update stays reported.
	if u.Err == nil && c.pending != nil {
		u.Err = c.pending.Err
	}
	c.pending = &u
	c.pendingMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// publish delivers queued updates until stop is closed, then delivers the last pending one.
func (c *Controller) publish() {
	defer close(c.published)

	for {
		select {
		case <-c.wake:
			c.deliver()
		case <-c.stop:
			c.deliver()
			return
		}
	}
}

func (c *Controller) deliver() {
	c.pendingMu.Lock()
	u := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	if u != nil {
		c.onUpdate(*u)
	}
}

// SelectModel makes id the model for future turns. It fails with models.ErrValidation if id isn't in the
// allow-list. A failure to persist the choice is logged and reported through OnUpdate.
func (c *Controller) SelectModel(ctx context.Context, id string) error {
	if !slices.Contains(c.models, id) {
		return fmt.Errorf("%w: unknown model %q", models.ErrValidation, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.settings.SelectedModel = id
	c.saveSettings(ctx)
	return nil
}

// Toggle flips the widget visibility and returns whether it is now visible. The transcript is unaffected.
func (c *Controller) Toggle(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settings.Hidden = !c.settings.Hidden
	c.saveSettings(ctx)
	return !c.settings.Hidden
}

func (c *Controller) saveSettings(ctx context.Context) {
	err := c.store.SaveSettings(ctx, c.settings)
	if err != nil {
		c.logger.Error("Failed to save settings",
			slog.String("settings", fmt.Sprintf("%+v", c.settings)),
			slog.String(errLoggerKey, err.Error()))
	}
	c.notify(c.transcript.Clone().Messages, err)
}

// Reset abandons the in-flight turn, if any, and clears the transcript.
func (c *Controller) Reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.closeSession(c.session)
	}
	c.transcript.Messages = nil
	c.persist(ctx)
}

// Close cancels the in-flight request, waits until its turn is closed and the last update is delivered, or
// until ctx is done. The Controller can't start new turns afterwards.
func (c *Controller) Close(ctx context.Context) error {
	done := c.Done()
	c.cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.stopOnce.Do(func() { close(c.stop) })

	select {
	case <-c.published:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that is closed when the current turn ends. It is already closed when idle.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return closedCh
	}
	return c.session.done
}

// Messages returns a snapshot of the transcript.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Clone().Messages
}

// Settings returns the current settings.
func (c *Controller) Settings() models.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// State returns the phase of the current turn.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Models returns the allow-list of model identifiers.
func (c *Controller) Models() []string {
	return slices.Clone(c.models)
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
