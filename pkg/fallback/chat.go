package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const systemPrompt = `You are a manufacturing process analyst. Judge the process state from the sensor data.

Respond with JSON only:
{"decision": "OK" | "WARNING" | "CRITICAL", "confidence": 0.0-1.0, "reasoning": "evidence for the decision"}

OK: every reading is within its normal range.
WARNING: some readings are near their limits.
CRITICAL: at least one reading exceeds a hazardous limit.`

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient asks an OpenAI-compatible chat completions endpoint for a judgment.
type ChatClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewChatClient creates a client for baseURL (e.g. https://api.openai.com/v1).
func NewChatClient(baseURL, apiKey, model string) *ChatClient {
	return &ChatClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Infer implements Client.
func (c *ChatClient) Infer(ctx context.Context, req Request) (Inference, error) {
	body := chatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(req)},
		},
		MaxTokens: 500,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Inference{}, fmt.Errorf("fallback: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return Inference{}, fmt.Errorf("fallback: create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Inference{}, fmt.Errorf("fallback: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Inference{}, fmt.Errorf("fallback: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Inference{}, fmt.Errorf("fallback: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return Inference{}, fmt.Errorf("fallback: empty choices in response")
	}

	inf := ParseInference(out.Choices[0].Message.Content)
	inf.Model = out.Model
	if inf.Model == "" {
		inf.Model = c.model
	}
	return inf, nil
}

func userPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Analyze the following sensor data and judge the process state.\n\nSensor data:\n")
	writeSorted(&b, req.Input)
	if len(req.Context) > 0 {
		b.WriteString("\nContext:\n")
		writeSorted(&b, req.Context)
	}
	b.WriteString("\nAnswer in JSON.")
	return b.String()
}

func writeSorted(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := json.Marshal(m[k])
		if err != nil {
			v = []byte(fmt.Sprint(m[k]))
		}
		fmt.Fprintf(b, "- %s: %s\n", k, v)
	}
}
