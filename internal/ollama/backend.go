package ollama

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/luisdh8/ollama-ecomerce/internal/decode"
	"github.com/luisdh8/ollama-ecomerce/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "ollama-ecomerce/0.1"
	maxErrorBody    = 64 * 1024

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Backend talks to an Ollama-compatible inference server.
type Backend struct {
	baseURL     string
	client      *http.Client
	logger      *slog.Logger
	chatURL     string
	generateURL string
	tagsURL     string
}

// New creates a backend rooted at baseURL. Timeouts are applied per call via
// the request context, so client should not impose its own overall timeout on
// streamed bodies.
func New(baseURL string, client *http.Client, logger *slog.Logger) (*Backend, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}

	return &Backend{
		baseURL:     baseURL,
		client:      client,
		logger:      logger,
		chatURL:     baseURL + "/api/chat",
		generateURL: baseURL + "/api/generate",
		tagsURL:     baseURL + "/api/tags",
	}, nil
}

// NewHTTPClient returns a client with a tuned transport and no overall timeout.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// BaseURL returns the normalised server address.
func (b *Backend) BaseURL() string {
	return b.baseURL
}

// Chat issues req against /api/chat and decodes the reply according to the
// request's transport mode. Streamed bodies are decoded as they arrive.
func (b *Backend) Chat(ctx context.Context, req models.CompletionRequest) (decode.Decoded, error) {
	payload := buildChatPayload(req)

	resp, err := b.post(ctx, b.chatURL, payload, "chat")
	if err != nil {
		return decode.Decoded{}, err
	}
	defer resp.Body.Close()

	if req.Streamed() {
		decoded, err := decode.Stream(resp.Body, b.logger.With("model", req.Model()))
		if err != nil && !errors.Is(err, decode.ErrEmptyStream) {
			return decode.Decoded{}, &TransportError{Op: "chat stream", URL: b.chatURL, Err: err}
		}
		return decoded, err
	}

	decoded, err := decode.Buffered(resp.Body)
	if err != nil && !errors.Is(err, decode.ErrMalformedResponse) {
		return decode.Decoded{}, &TransportError{Op: "chat", URL: b.chatURL, Err: err}
	}
	return decoded, err
}

// GenerateRequest is a single-prompt request against /api/generate.
type GenerateRequest struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxOutput   int
}

// GenerateResponse carries the text and accounting of a generate call.
type GenerateResponse struct {
	Text  string
	Usage models.Usage
}

// Generate issues a buffered /api/generate call.
func (b *Backend) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	payload := generatePayload{
		Model:  req.Model,
		Prompt: req.Prompt,
		Stream: false,
		Options: options{
			Temperature: req.Temperature,
			NumPredict:  req.MaxOutput,
		},
	}

	resp, err := b.post(ctx, b.generateURL, payload, "generate")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: generate: %v", decode.ErrMalformedResponse, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: generate: backend error: %s", decode.ErrMalformedResponse, out.Error)
	}

	return &GenerateResponse{
		Text: out.Response,
		Usage: models.Usage{
			InputTokens:  out.PromptEvalCount,
			OutputTokens: out.EvalCount,
		},
	}, nil
}

// Available checks that the server answers /api/tags.
func (b *Backend) Available(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.tagsURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return &TransportError{Op: "tags", URL: b.tagsURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return readStatusError(b.tagsURL, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (b *Backend) post(ctx context.Context, endpoint string, payload any, op string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: op, URL: endpoint, Err: err}
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		return nil, readStatusError(endpoint, resp)
	}
	return resp, nil
}

func readStatusError(endpoint string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &StatusError{URL: endpoint, StatusCode: resp.StatusCode, Body: fmt.Sprintf("<unreadable body: %v>", err)}
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return &StatusError{URL: endpoint, StatusCode: resp.StatusCode, Body: apiErr.Error}
	}
	return &StatusError{URL: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type options struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatPayload struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
	Options  options       `json:"options"`
}

type generatePayload struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options options `json:"options"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func buildChatPayload(req models.CompletionRequest) chatPayload {
	msgs := req.Messages()
	messages := make([]chatMessage, 0, len(msgs))
	for _, msg := range msgs {
		messages = append(messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	payload := chatPayload{
		Model:    req.Model(),
		Messages: messages,
		Stream:   req.Streamed(),
		Options: options{
			Temperature: req.Temperature(),
			NumPredict:  req.MaxOutputTokens(),
		},
	}
	if req.JSONFormat() {
		payload.Format = "json"
	}
	return payload
}
