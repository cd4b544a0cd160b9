package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"threatlens/internal/model"
)

// Provider is one reasoning backend. Extract sends the prompt and returns
// the raw model output; parsing and guardrails live in the Adapter, so
// implementations stay thin HTTP shims.
type Provider interface {
	Name() string
	Extract(ctx context.Context, prompt string) (string, error)
}

// ProviderConfig selects and parameterizes a backend. Provider is one of
// "openai", "anthropic", "gemini", "ollama".
type ProviderConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
}

// NewProvider builds the configured backend. Selection is by config value
// only; callers never branch on the concrete type.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	client := &http.Client{Timeout: 120 * time.Second}
	switch cfg.Provider {
	case "openai":
		return &openAIProvider{cfg: withDefaults(cfg, "https://api.openai.com/v1", "gpt-4o-mini"), client: client}, nil
	case "anthropic":
		return &anthropicProvider{cfg: withDefaults(cfg, "https://api.anthropic.com/v1", "claude-3-5-haiku-latest"), client: client}, nil
	case "gemini":
		return &geminiProvider{cfg: withDefaults(cfg, "https://generativelanguage.googleapis.com/v1beta", "gemini-1.5-flash"), client: client}, nil
	case "ollama":
		return &ollamaProvider{cfg: withDefaults(cfg, "http://localhost:11434", "llama3.1"), client: client}, nil
	default:
		return nil, fmt.Errorf("%w: unknown reasoning provider %q", model.ErrValidation, cfg.Provider)
	}
}

func withDefaults(cfg ProviderConfig, baseURL, mdl string) ProviderConfig {
	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
	}
	if cfg.Model == "" {
		cfg.Model = mdl
	}
	return cfg
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", model.ErrProviderFailure, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", model.ErrProviderFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrProviderTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", model.ErrProviderFailure, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", model.ErrProviderFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", model.ErrProviderFailure, resp.StatusCode, truncate(string(raw), 200))
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type openAIProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Extract(ctx context.Context, prompt string) (string, error) {
	reqBody := struct {
		Model       string        `json:"model"`
		Messages    []chatMessage `json:"messages"`
		Temperature float64       `json:"temperature"`
	}{
		Model:    p.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	raw, err := postJSON(ctx, p.client, p.cfg.BaseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}, reqBody)
	if err != nil {
		return "", err
	}
	var out struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: malformed openai response", model.ErrProviderFailure)
	}
	return out.Choices[0].Message.Content, nil
}

type anthropicProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Extract(ctx context.Context, prompt string) (string, error) {
	reqBody := struct {
		Model     string        `json:"model"`
		MaxTokens int           `json:"max_tokens"`
		Messages  []chatMessage `json:"messages"`
	}{
		Model:     p.cfg.Model,
		MaxTokens: 4096,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	}
	raw, err := postJSON(ctx, p.client, p.cfg.BaseURL+"/messages", map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": "2023-06-01",
	}, reqBody)
	if err != nil {
		return "", err
	}
	var out struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || len(out.Content) == 0 {
		return "", fmt.Errorf("%w: malformed anthropic response", model.ErrProviderFailure)
	}
	return out.Content[0].Text, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) Extract(ctx context.Context, prompt string) (string, error) {
	reqBody := struct {
		Contents []geminiContent `json:"contents"`
	}{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.cfg.BaseURL, p.cfg.Model, p.cfg.APIKey)
	raw, err := postJSON(ctx, p.client, url, nil, reqBody)
	if err != nil {
		return "", err
	}
	var out struct {
		Candidates []struct {
			Content geminiContent `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: malformed gemini response", model.ErrProviderFailure)
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}

type ollamaProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

func (p *ollamaProvider) Name() string { return "ollama" }

func (p *ollamaProvider) Extract(ctx context.Context, prompt string) (string, error) {
	reqBody := struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
		Stream bool   `json:"stream"`
	}{Model: p.cfg.Model, Prompt: prompt, Stream: false}

	raw, err := postJSON(ctx, p.client, p.cfg.BaseURL+"/api/generate", nil, reqBody)
	if err != nil {
		return "", err
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: malformed ollama response", model.ErrProviderFailure)
	}
	return out.Response, nil
}
