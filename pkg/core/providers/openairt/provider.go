package openairt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	defaultWSBaseURL = "wss://api.openai.com"

	defaultRealtimeModel   = "gpt-4o-realtime-preview"
	defaultCompletionModel = "gpt-4o-mini"
	defaultEmbeddingModel  = "text-embedding-3-small"
)

// Provider implements core.Provider against an OpenAI-Realtime-style API:
// duplex sessions over websocket, completions and embeddings over REST.
type Provider struct {
	apiKey     string
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client

	realtimeModel   string
	completionModel string
	embeddingModel  string
}

type Option func(*Provider)

func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithWSBaseURL(url string) Option {
	return func(p *Provider) { p.wsBaseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.httpClient = client }
}

func WithModels(realtime, completion, embedding string) Option {
	return func(p *Provider) {
		if realtime != "" {
			p.realtimeModel = realtime
		}
		if completion != "" {
			p.completionModel = completion
		}
		if embedding != "" {
			p.embeddingModel = embedding
		}
	}
}

func New(apiKey string, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openairt: api key is required")
	}
	p := &Provider{
		apiKey:          apiKey,
		baseURL:         defaultBaseURL,
		wsBaseURL:       defaultWSBaseURL,
		httpClient:      &http.Client{},
		realtimeModel:   defaultRealtimeModel,
		completionModel: defaultCompletionModel,
		embeddingModel:  defaultEmbeddingModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete implements core.Provider.
func (p *Provider) Complete(ctx context.Context, req core.CompletionRequest) (string, error) {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, entry := range req.Messages {
		role := "user"
		if entry.Role == types.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: entry.Text})
	}

	var resp chatResponse
	err := p.postJSON(ctx, "/v1/chat/completions", chatRequest{
		Model:     p.completionModel,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &core.Error{Type: core.ErrProvider, Message: "completion returned no choices"}
	}
	return resp.Choices[0].Message.Content, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements core.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embeddingResponse
	err := p.postJSON(ctx, "/v1/embeddings", embeddingRequest{
		Model: p.embeddingModel,
		Input: text,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, &core.Error{Type: core.ErrProvider, Message: "embedding returned no data"}
	}
	return resp.Data[0].Embedding, nil
}

func (p *Provider) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openairt: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return core.NewProviderError("openairt", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeHTTPError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.NewProviderError("openairt", err)
	}
	return nil
}

func decodeHTTPError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<10))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)

	message := strings.TrimSpace(envelope.Error.Message)
	if message == "" {
		message = fmt.Sprintf("provider returned status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 0
		fmt.Sscanf(resp.Header.Get("Retry-After"), "%d", &retryAfter)
		return core.NewRateLimitError(message, retryAfter)
	}
	return &core.Error{Type: core.ErrProvider, Message: message, Code: envelope.Error.Code}
}

var _ core.Provider = (*Provider)(nil)
