package api

// CompletionRequest is an OpenAI-compatible text completion request. Fields
// the engine has no use for (n, logprobs, suffix, ...) are ignored.
type CompletionRequest struct {
	Model         string   `json:"model"`
	Prompt        string   `json:"prompt"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Stream        *bool    `json:"stream,omitempty"`
	User          string   `json:"user,omitempty"`
}

type CompletionChoice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	FinishReason *string `json:"finish_reason"`
}

type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is used both for the full response and for stream chunks.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *CompletionUsage   `json:"usage,omitempty"`
}

// GenerateRequest is the native request shape. It exposes every knob of a
// generation call.
type GenerateRequest struct {
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Greedy        *bool    `json:"greedy,omitempty"`
	Mode          *string  `json:"mode,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	Stream        *bool    `json:"stream,omitempty"`
}

type GenerateStats struct {
	PromptTokens     int     `json:"prompt_tokens"`
	TokensGenerated  int     `json:"tokens_generated"`
	PromptDurationMS float64 `json:"prompt_duration_ms"`
	DurationMS       float64 `json:"duration_ms"`
	TPS              float64 `json:"tokens_per_second"`
	StopReason       string  `json:"stop_reason"`
}

type GenerateResponse struct {
	ID     string        `json:"id"`
	Model  string        `json:"model"`
	Text   string        `json:"text"`
	Tokens []int32       `json:"tokens"`
	Stats  GenerateStats `json:"stats"`
	Error  *APIError     `json:"error,omitempty"`
}

// TokenEvent is one streamed fragment of a native generation.
type TokenEvent struct {
	Text string `json:"text"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type errorBody struct {
	Error APIError `json:"error"`
}
