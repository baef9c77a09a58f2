package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"

	"github.com/MegaGrindStone/tc-chat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams completions from an OpenAI-compatible endpoint. The API key travels with each request, so a
// single OpenAI value serves every credential the user configures.
type OpenAI struct {
	baseURL string

	client *http.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL means the official OpenAI endpoint.
func NewOpenAI(baseURL string, logger *slog.Logger) OpenAI {
	return OpenAI{
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	for _, msg := range messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return slices.Insert(msgs, 0, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleSystem,
		Content: models.SystemInstruction,
	})
}

// Stream is a wrapper around the OpenAI chat completion streaming API. It yields the content of every delta
// that carries text, and ends when the endpoint closes the stream.
func (o OpenAI) Stream(ctx context.Context, req models.CompletionRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		cfg := goopenai.DefaultConfig(req.APIKey)
		if o.baseURL != "" {
			cfg.BaseURL = o.baseURL
		}
		cfg.HTTPClient = o.client
		client := goopenai.NewClientWithConfig(cfg)

		chatReq := goopenai.ChatCompletionRequest{
			Model:    req.Model,
			Messages: openAIMessages(req.Messages),
			Stream:   true,
		}

		reqJSON, err := json.Marshal(chatReq)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", classifyOpenAIError(err)))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", classifyOpenAIError(err)))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if content := response.Choices[0].Delta.Content; content != "" {
				if !yield(content, nil) {
					return
				}
			}
		}
	}
}

func classifyOpenAIError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return errorForStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return errorForStatus(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return classifyError(err)
}
