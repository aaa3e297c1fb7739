package streaming

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

var proxyHTTPClient = &http.Client{Timeout: StreamTimeout}

// sseChunk mirrors an OpenAI chat-completions streaming chunk, the wire
// shape the local proxy and direct API both speak.
type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func buildChatCompletionsBody(req ChatRequest) ([]byte, error) {
	type wireMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	messages := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = wireMessage{Role: string(m.Role), Content: m.Content}
	}
	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   true,
	}
	return json.Marshal(payload)
}

// StreamProxy streams a chat completion from a local OpenAI-compatible
// proxy or a direct provider API (spec.md §4.9: "direct HTTP(S) streaming,
// not a generic SDK, because upstream error bodies may be gzip-encoded").
func StreamProxy(ctx context.Context, res Resolution, req ChatRequest) (<-chan Event, error) {
	body, err := buildChatCompletionsBody(req)
	if err != nil {
		return nil, fmt.Errorf("streaming: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, StreamTimeout)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(res.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("streaming: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if res.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+res.APIKey)
	}
	if req.AccountEmail != "" {
		httpReq.Header.Set("X-Account-Email", req.AccountEmail)
	}

	resp, err := proxyHTTPClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("streaming: request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		defer cancel()
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("streaming: proxy returned %d: %s", resp.StatusCode, ExtractErrorMessage(data, resp.Status))
	}

	events := make(chan Event, 16)
	go func() {
		defer cancel()
		defer resp.Body.Close()
		defer close(events)
		consumeSSE(ctx, resp.Body, events)
	}()
	return events, nil
}

// sortedToolCallIndices returns toolCalls' keys in ascending order, so
// fragment assembly emits one tool_call event per index in a deterministic
// sequence immediately before the finish event.
func sortedToolCallIndices(toolCalls map[int]*ToolCall) []int {
	indices := make([]int, 0, len(toolCalls))
	for index := range toolCalls {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

// consumeSSE parses a `data: ...` SSE body line by line, reassembling
// tool-call fragments by index until finish_reason arrives.
func consumeSSE(ctx context.Context, r io.Reader, events chan<- Event) {
	toolCalls := map[int]*ToolCall{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(Event{Type: EventContentDelta, Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			existing, ok := toolCalls[tc.Index]
			if !ok {
				existing = &ToolCall{Index: tc.Index}
				toolCalls[tc.Index] = existing
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			existing.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			for _, index := range sortedToolCallIndices(toolCalls) {
				snapshot := *toolCalls[index]
				if !emit(Event{Type: EventToolCall, ToolCall: &snapshot}) {
					return
				}
			}
			emit(Event{Type: EventFinish, FinishReason: choice.FinishReason})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(Event{Type: EventError, Err: err})
	}
}
