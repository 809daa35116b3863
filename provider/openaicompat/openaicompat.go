// Package openaicompat implements valet.Provider and
// valet.EmbeddingProvider for any OpenAI-compatible API.
//
// Works with OpenAI, OpenRouter, Groq, Ollama, vLLM, LM Studio, and any
// other endpoint implementing the chat completions and embeddings APIs.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/valetd/valet"
)

// Provider is a thin chat completions client.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

var _ valet.Provider = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatBody struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a non-streaming chat request and returns the response text.
func (p *Provider) Chat(ctx context.Context, req valet.ChatRequest) (valet.ChatResponse, error) {
	msgs := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	body := chatBody{Model: p.model, Messages: msgs}

	var out chatResponse
	if err := p.post(ctx, "/chat/completions", body, &out); err != nil {
		return valet.ChatResponse{}, err
	}
	if len(out.Choices) == 0 {
		return valet.ChatResponse{}, valet.Errorf(valet.KindTransient, "openaicompat.chat", "response has no choices")
	}
	return valet.ChatResponse{
		Content: out.Choices[0].Message.Content,
		Usage: valet.Usage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

// Embedder is a thin embeddings client with a fixed dimension.
type Embedder struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
	name       string
}

var _ valet.EmbeddingProvider = (*Embedder)(nil)

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithEmbedderName overrides the embedder name (default "openai").
func WithEmbedderName(name string) EmbedderOption {
	return func(e *Embedder) { e.name = name }
}

// WithEmbedderHTTPClient sets the HTTP client used for requests.
func WithEmbedderHTTPClient(c *http.Client) EmbedderOption {
	return func(e *Embedder) { e.client = c }
}

// NewEmbedder creates an OpenAI-compatible embeddings client. dimensions
// must match what the model produces; the memory engine rejects vectors
// of any other width.
func NewEmbedder(apiKey, model, baseURL string, dimensions int, opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 60 * time.Second},
		name:       "openai",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Embedder) Name() string    { return e.name }
func (e *Embedder) Dimensions() int { return e.dimensions }

type embedBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out embedResponse
	err := post(ctx, e.client, e.baseURL, "/embeddings", e.apiKey, embedBody{Model: e.model, Input: texts}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, valet.Errorf(valet.KindTransient, "openaicompat.embed",
			"got %d embeddings for %d inputs", len(out.Data), len(texts))
	}
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, valet.Errorf(valet.KindTransient, "openaicompat.embed", "embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func (p *Provider) post(ctx context.Context, path string, body, out any) error {
	return post(ctx, p.client, p.baseURL, path, p.apiKey, body, out)
}

// post sends one JSON request and decodes the JSON response. Non-200
// statuses become *valet.ErrHTTP so the retry wrapper can classify them.
func post(ctx context.Context, client *http.Client, baseURL, path, apiKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openaicompat: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("openaicompat: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return valet.WrapErr(valet.KindTransient, "openaicompat.post", "send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &valet.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(data),
			RetryAfter: retryAfter(resp),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return valet.WrapErr(valet.KindTransient, "openaicompat.post", "decode response", err)
	}
	return nil
}

// retryAfter parses a seconds-valued Retry-After header, if any.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
