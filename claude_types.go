package main

import (
	"encoding/json"
	"fmt"
)

// Wire types for the Claude messages API. Content is either a bare
// string or a list of typed blocks; BlockList absorbs both shapes.

type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []InputMessage  `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

type InputMessage struct {
	Role    string    `json:"role"`
	Content BlockList `json:"content"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ContentBlock is the flattened union of the block types the API
// accepts and produces: text, image, tool_use, tool_result, thinking.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *ImageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	Thinking string `json:"thinking,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"` // base64, url, file
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	FileUUID  string `json:"file_uuid,omitempty"`
}

// BlockList unmarshals from either a string or an array of blocks. A
// bare string becomes a single text block, matching upstream behavior.
type BlockList []ContentBlock

func (b *BlockList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = BlockList{{Type: "text", Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content: %w", err)
	}
	*b = BlockList(blocks)
	return nil
}

// SystemPrompt keeps both accepted shapes of the system field.
type SystemPrompt []ContentBlock

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	return (*BlockList)(s).UnmarshalJSON(data)
}

// Text concatenates the text blocks of a system prompt.
func (s SystemPrompt) Text() string {
	out := ""
	for _, b := range s {
		if b.Type == "text" {
			if out != "" {
				out += "\n\n"
			}
			out += b.Text
		}
	}
	return out
}

// MessageResponse is the non-streaming response shape and the payload
// of a streaming message_start.
type MessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
