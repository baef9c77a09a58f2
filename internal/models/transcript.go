package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

const (
	// TranscriptVersion is the schema version written by EncodeTranscript.
	TranscriptVersion = 1
	// SettingsVersion is the schema version written by EncodeSettings.
	SettingsVersion = 1
)

// DefaultModels is the allow-list used when the configuration doesn't provide one. The first entry is the
// default selection.
var DefaultModels = []string{
	"qwen2-72b",
	"deepseek-r1",
	"deepseek-r1-70b",
	"deepseek-v3",
}

// Transcript is the persisted, ordered message sequence of one conversation.
type Transcript struct {
	Version  int       `json:"version"`
	Messages []Message `json:"messages"`
}

// Settings holds the persisted user preferences of the chat widget.
type Settings struct {
	Version       int    `json:"version"`
	SelectedModel string `json:"selectedModel"`
	Hidden        bool   `json:"hidden"`
}

// Clone returns a deep copy of the transcript, so the copy can be handed to readers while the owner keeps
// mutating the original.
func (t Transcript) Clone() Transcript {
	return Transcript{
		Version:  t.Version,
		Messages: slices.Clone(t.Messages),
	}
}

// EncodeTranscript serializes t with the current schema version.
func EncodeTranscript(t Transcript) ([]byte, error) {
	t.Version = TranscriptVersion
	if t.Messages == nil {
		t.Messages = []Message{}
	}
	return json.Marshal(t)
}

// DecodeTranscript parses a stored transcript. A bare JSON array is the legacy (version 0) layout and is
// migrated in memory. Versions newer than TranscriptVersion and messages with unknown roles are rejected.
func DecodeTranscript(data []byte) (Transcript, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Transcript{Version: TranscriptVersion}, nil
	}

	if data[0] == '[' {
		var msgs []Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return Transcript{}, fmt.Errorf("failed to unmarshal legacy transcript: %w", err)
		}
		if err := validRoles(msgs); err != nil {
			return Transcript{}, err
		}
		return Transcript{Version: TranscriptVersion, Messages: msgs}, nil
	}

	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return Transcript{}, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}
	if t.Version > TranscriptVersion {
		return Transcript{}, fmt.Errorf("unsupported transcript version %d", t.Version)
	}
	if err := validRoles(t.Messages); err != nil {
		return Transcript{}, err
	}
	t.Version = TranscriptVersion
	return t, nil
}

func validRoles(msgs []Message) error {
	for i, msg := range msgs {
		if !msg.Role.Valid() {
			return fmt.Errorf("message %d has unknown role %q", i, msg.Role)
		}
	}
	return nil
}

// EncodeSettings serializes s with the current schema version.
func EncodeSettings(s Settings) ([]byte, error) {
	s.Version = SettingsVersion
	return json.Marshal(s)
}

// DecodeSettings parses stored settings. Versions newer than SettingsVersion are rejected.
func DecodeSettings(data []byte) (Settings, error) {
	var s Settings
	if len(bytes.TrimSpace(data)) == 0 {
		return Settings{Version: SettingsVersion}, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if s.Version > SettingsVersion {
		return Settings{}, fmt.Errorf("unsupported settings version %d", s.Version)
	}
	s.Version = SettingsVersion
	return s, nil
}
