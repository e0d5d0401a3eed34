// Package openai streams replies from the OpenAI Chat Completions API or any
// server that speaks it (vLLM, LM Studio, a hosted gateway).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// chunkBuffer is how many deltas may queue before the reader blocks.
const chunkBuffer = 32

// Provider is an llm.Provider over openai-go. Retries are disabled in the SDK;
// failures go to the circuit breaker wrapping the stream.
type Provider struct {
	client oai.Client
	model  string

	baseURL      string
	organization string
	timeout      time.Duration
	transport    http.RoundTripper
}

var _ llm.Provider = (*Provider)(nil)

// Option customises a Provider.
type Option func(*Provider)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option { return func(p *Provider) { p.baseURL = url } }

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option { return func(p *Provider) { p.organization = org } }

// WithTimeout bounds each HTTP exchange including the streamed body.
func WithTimeout(d time.Duration) Option { return func(p *Provider) { p.timeout = d } }

// WithTransport sets the round tripper under the otelhttp instrumentation.
func WithTransport(rt http.RoundTripper) Option { return func(p *Provider) { p.transport = rt } }

// New returns a Provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}

	p := &Provider{model: model, transport: http.DefaultTransport}
	for _, o := range opts {
		o(p)
	}

	hc := &http.Client{Transport: otelhttp.NewTransport(p.transport), Timeout: p.timeout}
	ro := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		ro = append(ro, option.WithBaseURL(p.baseURL))
	}
	if p.organization != "" {
		ro = append(ro, option.WithOrganization(p.organization))
	}
	p.client = oai.NewClient(ro...)
	return p, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}

	out := make(chan llm.Chunk, chunkBuffer)
	go pump(ctx, stream, out)
	return out, nil
}

// pump forwards the first choice of every SSE event and closes out when the
// body ends. A read failure becomes the final chunk.
func pump(ctx context.Context, stream *ssestream.Stream[oai.ChatCompletionChunk], out chan<- llm.Chunk) {
	defer close(out)
	defer stream.Close()

	send := func(c llm.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for stream.Next() {
		ev := stream.Current()
		if len(ev.Choices) == 0 {
			continue
		}
		ch := ev.Choices[0]
		if !send(llm.Chunk{Text: ch.Delta.Content, FinishReason: ch.FinishReason}) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		send(llm.Chunk{Err: fmt.Errorf("openai: read stream: %w", err)})
	}
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		u, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("message %d: %w", i, err)
		}
		msgs = append(msgs, u)
	}

	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported role %q", m.Role)
}
