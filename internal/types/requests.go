package types

import "encoding/json"

// ChatRequest is the OpenAI-compatible chat completion request body. Only
// the fields named here are decoded; any other request field is dropped.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	Temperature    *float32        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
}

// Message is one conversation turn. Content is either a string or an ordered
// sequence of parts for multimodal input.
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
	Name    string      `json:"name,omitempty"`
}

// ContentPart is one element of a multipart message content
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type ResponseFormat struct {
	Type string `json:"type"` // "text" or "json_object"
}

type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type Function struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

// ContentParts decodes multipart content into typed parts. Returns nil when
// the content is a plain string or absent.
func (m *Message) ContentParts() []ContentPart {
	raw, ok := m.Content.([]interface{})
	if !ok {
		return nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil
	}
	return parts
}

// ContentString returns string content, or "" for multipart content
func (m *Message) ContentString() string {
	s, _ := m.Content.(string)
	return s
}
