package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/MegaGrindStone/tc-chat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the completion client for a local Ollama server. Ollama needs no
// credential, so the API key of a request is ignored.
type Ollama struct {
	client *api.Client

	logger *slog.Logger
}

var errStopStream = errors.New("stream stopped by consumer")

// NewOllama creates a new Ollama instance for the server at host.
func NewOllama(host string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

// Stream streams the reply of the Ollama model. The response is delivered incrementally, one fragment per
// chunk the server sends.
func (o Ollama) Stream(ctx context.Context, req models.CompletionRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]api.Message, len(req.Messages))
		for i, msg := range req.Messages {
			msgs[i] = api.Message{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}
		msgs = slices.Insert(msgs, 0, api.Message{
			Role:    string(models.RoleSystem),
			Content: models.SystemInstruction,
		})

		t := true
		chatReq := api.ChatRequest{
			Model:    req.Model,
			Messages: msgs,
			Stream:   &t,
		}

		err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
			if res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				return errStopStream
			}
			return nil
		})
		if err == nil || errors.Is(err, errStopStream) || errors.Is(err, context.Canceled) {
			return
		}

		o.logger.Debug("Chat failed", slog.String("err", err.Error()))

		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			yield("", fmt.Errorf("error sending request: %w", errorForStatus(statusErr.StatusCode, statusErr.ErrorMessage)))
			return
		}
		yield("", fmt.Errorf("error sending request: %w", classifyError(err)))
	}
}
