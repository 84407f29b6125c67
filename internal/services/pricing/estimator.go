package pricing

import (
	"encoding/json"
	"unicode/utf8"
)

const (
	DefaultEstimate      = 1000
	DefaultOutputReserve = 1000
	MaxEstimate          = 4000
)

type chatRequest struct {
	Messages            []chatMessage `json:"messages"`
	MaxTokens           *int          `json:"max_tokens"`
	MaxCompletionTokens *int          `json:"max_completion_tokens"`
}

type chatMessage struct {
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EstimateTokens approximates the token footprint of a chat request body:
// one token per four characters of message text plus the requested output
// budget, capped at MaxEstimate. Bodies that cannot be parsed yield
// DefaultEstimate.
func EstimateTokens(body []byte) int {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return DefaultEstimate
	}

	chars := 0
	for _, msg := range req.Messages {
		n, err := contentLength(msg.Content)
		if err != nil {
			return DefaultEstimate
		}
		chars += n
	}

	reserve := DefaultOutputReserve
	switch {
	case req.MaxTokens != nil:
		reserve = *req.MaxTokens
	case req.MaxCompletionTokens != nil:
		reserve = *req.MaxCompletionTokens
	}
	return clampEstimate(chars/4, reserve)
}

// clampEstimate adds prompt and output tokens without overflowing and keeps
// the result within [0, MaxEstimate].
func clampEstimate(prompt, reserve int) int {
	prompt = min(max(prompt, 0), MaxEstimate)
	reserve = min(max(reserve, 0), MaxEstimate)
	return min(prompt+reserve, MaxEstimate)
}

// EstimateRequest is EstimateTokens for an already decoded request.
func EstimateRequest(req map[string]any) int {
	body, err := json.Marshal(req)
	if err != nil {
		return DefaultEstimate
	}
	return EstimateTokens(body)
}

func contentLength(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		return utf8.RuneCountInString(s), nil
	case '[':
		var parts []contentPart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return 0, err
		}
		n := 0
		for _, p := range parts {
			if p.Type == "text" {
				n += utf8.RuneCountInString(p.Text)
			}
		}
		return n, nil
	default:
		return 0, nil
	}
}
