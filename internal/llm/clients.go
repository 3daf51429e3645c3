package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// maxResponseBytes bounds how much of an upstream response we will buffer.
// Some providers stream very large completions; 16 MiB accommodates them.
const maxResponseBytes = 16 << 20

// Client is the uniform contract over one generative provider: prompt in,
// text out, classified ProviderError on failure.
type Client interface {
	Name() ProviderName
	DefaultModel() string
	Generate(ctx context.Context, prompt, apiKey, model string) (string, error)
}

// providerSpec captures the static shape of one provider's API.
type providerSpec struct {
	name         ProviderName
	baseURL      string
	defaultModel string
	timeout      time.Duration
}

var providerSpecs = map[ProviderName]providerSpec{
	ProviderGroq: {
		name:         ProviderGroq,
		baseURL:      "https://api.groq.com/openai/v1/chat/completions",
		defaultModel: "llama-3.3-70b-versatile",
		timeout:      60 * time.Second,
	},
	ProviderCohere: {
		name:         ProviderCohere,
		baseURL:      "https://api.cohere.com/v2/chat",
		defaultModel: "command-r-plus-08-2024",
		timeout:      90 * time.Second,
	},
	ProviderCerebras: {
		name:         ProviderCerebras,
		baseURL:      "https://api.cerebras.ai/v1/chat/completions",
		defaultModel: "llama-3.3-70b",
		timeout:      60 * time.Second,
	},
	ProviderSambanova: {
		name:         ProviderSambanova,
		baseURL:      "https://api.sambanova.ai/v1/chat/completions",
		defaultModel: "Meta-Llama-3.3-70B-Instruct",
		timeout:      90 * time.Second,
	},
	ProviderGemini: {
		name:         ProviderGemini,
		baseURL:      "https://generativelanguage.googleapis.com/v1beta/models",
		defaultModel: "gemini-2.0-flash",
		timeout:      90 * time.Second,
	},
}

// newBreaker builds the circuit breaker wrapped around each client. The
// router keeps its own failure accounting; the breaker only guards against
// hammering a provider that is hard-down.
func newBreaker(name ProviderName) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(name),
		Timeout: 2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
	})
}

// ChatCompletionClient implements Client for OpenAI-compatible chat APIs
// (GROQ, CEREBRAS, SAMBANOVA) and Cohere's v2 chat, which shares the
// message-list request shape.
type ChatCompletionClient struct {
	spec       providerSpec
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient constructs the client for a provider name.
func NewClient(name ProviderName) (Client, error) {
	spec, ok := providerSpecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	httpClient := &http.Client{Timeout: spec.timeout}
	if name == ProviderGemini {
		return &GeminiClient{spec: spec, httpClient: httpClient, breaker: newBreaker(name)}, nil
	}
	return &ChatCompletionClient{spec: spec, httpClient: httpClient, breaker: newBreaker(name)}, nil
}

func (c *ChatCompletionClient) Name() ProviderName   { return c.spec.name }
func (c *ChatCompletionClient) DefaultModel() string { return c.spec.defaultModel }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	// Cohere v2 returns the message at the top level instead of in choices.
	Message struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// Generate posts a single-user-message chat completion.
func (c *ChatCompletionClient) Generate(ctx context.Context, prompt, apiKey, model string) (string, error) {
	if model == "" {
		model = c.spec.defaultModel
	}
	body, err := json.Marshal(chatCompletionRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", newProviderError(c.spec.name, 0, fmt.Errorf("marshal request: %w", err))
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, body, apiKey)
	})
	if err != nil {
		if _, ok := err.(*ProviderError); !ok {
			err = newProviderError(c.spec.name, 503, err)
		}
		return "", err
	}
	return result.(string), nil
}

func (c *ChatCompletionClient) doRequest(ctx context.Context, body []byte, apiKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.spec.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", newProviderError(c.spec.name, 0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", newProviderError(c.spec.name, 0, fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", newProviderError(c.spec.name, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", newProviderError(c.spec.name, resp.StatusCode,
			fmt.Errorf("API error: %s", truncateBody(data)))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", newProviderError(c.spec.name, resp.StatusCode, fmt.Errorf("parse response: %w", err))
	}
	if len(parsed.Choices) > 0 {
		return parsed.Choices[0].Message.Content, nil
	}
	if len(parsed.Message.Content) > 0 {
		return parsed.Message.Content[0].Text, nil
	}
	return "", newProviderError(c.spec.name, resp.StatusCode, fmt.Errorf("empty completion in response"))
}

// GeminiClient implements Client for the Gemini generateContent API, whose
// request and response shapes differ from chat completions.
type GeminiClient struct {
	spec       providerSpec
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func (c *GeminiClient) Name() ProviderName   { return c.spec.name }
func (c *GeminiClient) DefaultModel() string { return c.spec.defaultModel }

type geminiRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (c *GeminiClient) Generate(ctx context.Context, prompt, apiKey, model string) (string, error) {
	if model == "" {
		model = c.spec.defaultModel
	}

	var reqBody geminiRequest
	reqBody.Contents = make([]struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}, 1)
	reqBody.Contents[0].Parts = []struct {
		Text string `json:"text"`
	}{{Text: prompt}}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", newProviderError(c.spec.name, 0, fmt.Errorf("marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", c.spec.baseURL, model, apiKey)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, url, body)
	})
	if err != nil {
		if _, ok := err.(*ProviderError); !ok {
			err = newProviderError(c.spec.name, 503, err)
		}
		return "", err
	}
	return result.(string), nil
}

func (c *GeminiClient) doRequest(ctx context.Context, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", newProviderError(c.spec.name, 0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", newProviderError(c.spec.name, 0, fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", newProviderError(c.spec.name, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", newProviderError(c.spec.name, resp.StatusCode,
			fmt.Errorf("API error: %s", truncateBody(data)))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", newProviderError(c.spec.name, resp.StatusCode, fmt.Errorf("parse response: %w", err))
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", newProviderError(c.spec.name, resp.StatusCode, fmt.Errorf("no candidates in response"))
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

func truncateBody(data []byte) string {
	const max = 512
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
