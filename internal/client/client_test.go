package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luisdh8/ollama-ecomerce/internal/decode"
	"github.com/luisdh8/ollama-ecomerce/internal/extract"
	"github.com/luisdh8/ollama-ecomerce/internal/models"
	"github.com/luisdh8/ollama-ecomerce/internal/ollama"
	"github.com/luisdh8/ollama-ecomerce/internal/profile"
)

type chatBody struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Format   string `json:"format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Options struct {
		Temperature float64 `json:"temperature"`
		NumPredict  int     `json:"num_predict"`
	} `json:"options"`
}

// fakeBackend serves /api/chat, recording each request body in order.
type fakeBackend struct {
	mu       sync.Mutex
	bodies   []chatBody
	buffered http.HandlerFunc
	streamed http.HandlerFunc
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	if body.Stream {
		f.streamed(w, r)
		return
	}
	f.buffered(w, r)
}

func (f *fakeBackend) requests() []chatBody {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chatBody, len(f.bodies))
	copy(out, f.bodies)
	return out
}

func newClient(t *testing.T, fake *fakeBackend, opts ...Option) *Client {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	backend, err := ollama.New(server.URL, ollama.NewHTTPClient(), nil)
	require.NoError(t, err)

	c, err := New(backend, "llama3", opts...)
	require.NoError(t, err)
	return c
}

func classifyMessages() []models.ChatMessage {
	return []models.ChatMessage{
		{Role: models.RoleSystem, Content: "classify"},
		{Role: models.RoleUser, Content: "widget"},
	}
}

func failTest(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
		w.WriteHeader(http.StatusTeapot)
	}
}

func writeLines(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}
}

func TestCompleteBufferedSuccess(t *testing.T) {
	fake := &fakeBackend{
		buffered: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"message":{"content":"Category: Tools"},"prompt_eval_count":15,"eval_count":4}`)
		},
		streamed: failTest(t),
	}
	c := newClient(t, fake)

	resp, err := c.Complete(context.Background(), Call{Messages: classifyMessages()})
	require.NoError(t, err)

	assert.Equal(t, "Category: Tools", resp.Result.Text)
	assert.Equal(t, models.Buffered, resp.Result.Mode)
	assert.Equal(t, 1, resp.Attempts)
	assert.False(t, resp.FellBack)
	assert.Nil(t, resp.Structured)
	assert.Equal(t, models.Usage{InputTokens: 15, OutputTokens: 4}, resp.Result.Usage)
	assert.NotEmpty(t, resp.CallID)

	reqs := fake.requests()
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].Stream)
	assert.Equal(t, "llama3", reqs[0].Model)
	assert.InDelta(t, DefaultTemperature, reqs[0].Options.Temperature, 1e-9)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, "system", reqs[0].Messages[0].Role)
	assert.Equal(t, "widget", reqs[0].Messages[1].Content)
}

func TestCompleteFallsBackToStreamedOnStatus(t *testing.T) {
	fake := &fakeBackend{
		buffered: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		streamed: writeLines(
			`{"message":{"content":"Cat"}}`,
			`garbage`,
			`{"message":{"content":"egory: Tools"}}`,
		),
	}
	c := newClient(t, fake)

	resp, err := c.Complete(context.Background(), Call{Messages: classifyMessages()})
	require.NoError(t, err)

	assert.Equal(t, "Category: Tools", resp.Result.Text)
	assert.Equal(t, models.Streamed, resp.Result.Mode)
	assert.Equal(t, 2, resp.Attempts)
	assert.True(t, resp.FellBack)

	reqs := fake.requests()
	require.Len(t, reqs, 2)
	assert.False(t, reqs[0].Stream)
	assert.True(t, reqs[1].Stream)
	assert.Equal(t, reqs[0].Messages, reqs[1].Messages)
	assert.Equal(t, reqs[0].Options, reqs[1].Options)
}

func TestCompleteFallsBackOnMalformedBuffered(t *testing.T) {
	fake := &fakeBackend{
		buffered: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"message":{"content":"trunc`)
		},
		streamed: writeLines(`{"message":{"content":"ok"},"done":true}`),
	}
	c := newClient(t, fake)

	resp, err := c.Complete(context.Background(), Call{Messages: classifyMessages()})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Result.Text)
	assert.True(t, resp.FellBack)
}

func TestCompleteBothModesFail(t *testing.T) {
	var hits atomic.Int32
	fake := &fakeBackend{
		buffered: func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		streamed: func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			writeLines("garbage", "", "{broken")(w, r)
		},
	}
	c := newClient(t, fake)

	_, err := c.Complete(context.Background(), Call{Messages: classifyMessages()})
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, decode.ErrEmptyStream)

	var unavailable *UnavailableError
	require.True(t, errors.As(err, &unavailable))
	var statusErr *ollama.StatusError
	require.True(t, errors.As(unavailable.Buffered, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)

	assert.Equal(t, int32(2), hits.Load())
}

func TestCompleteBackendDown(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	backend, err := ollama.New(addr, ollama.NewHTTPClient(), nil)
	require.NoError(t, err)
	c, err := New(backend, "llama3")
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), Call{Messages: classifyMessages()})
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	var transportErr *ollama.TransportError
	assert.True(t, errors.As(err, &transportErr))
}

func TestCompleteAttemptTimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	fake := &fakeBackend{
		buffered: func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
		streamed: writeLines(`{"message":{"content":"late but fine"}}`),
	}
	c := newClient(t, fake, WithTimeout(100*time.Millisecond))
	defer close(release)

	resp, err := c.Complete(context.Background(), Call{Messages: classifyMessages()})
	require.NoError(t, err)
	assert.Equal(t, "late but fine", resp.Result.Text)
	assert.True(t, resp.FellBack)
}

func TestCompleteCancelledContextDoesNotRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeBackend{
		buffered: func(w http.ResponseWriter, r *http.Request) {
			cancel()
			w.WriteHeader(http.StatusInternalServerError)
		},
		streamed: failTest(t),
	}
	c := newClient(t, fake)

	_, err := c.Complete(ctx, Call{Messages: classifyMessages()})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, fake.requests(), 1)
}

func TestCompleteStructuredSuccess(t *testing.T) {
	fake := &fakeBackend{
		buffered: func(w http.ResponseWriter, r *http.Request) {
			reply := map[string]any{"message": map[string]any{
				"content": "Aquí está:\n{\"transacciones\":[{\"ID Transacción\":\"T1\",\"Estado\":\"Posible Fraude\"}]}",
			}}
			_ = json.NewEncoder(w).Encode(reply)
		},
		streamed: failTest(t),
	}
	c := newClient(t, fake)

	zero := 0.0
	resp, err := c.Complete(context.Background(), Call{Messages: classifyMessages(), Temperature: &zero, WantStructured: true})
	require.NoError(t, err)

	require.NotNil(t, resp.Structured)
	assert.True(t, resp.Structured.OK())
	obj, ok := resp.Structured.Value.(map[string]any)
	require.True(t, ok)
	assert.Len(t, obj["transacciones"], 1)

	reqs := fake.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "json", reqs[0].Format)
	assert.Zero(t, reqs[0].Options.Temperature)
}

func TestCompleteStructuredFailureIsNotAnError(t *testing.T) {
	fake := &fakeBackend{
		buffered: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"message":{"content":"No encontré fraudes."}}`)
		},
		streamed: failTest(t),
	}
	c := newClient(t, fake)

	resp, err := c.Complete(context.Background(), Call{Messages: classifyMessages(), WantStructured: true})
	require.NoError(t, err)
	require.NotNil(t, resp.Structured)
	assert.False(t, resp.Structured.OK())
	assert.Equal(t, "No encontré fraudes.", resp.Structured.Raw)

	var failure *extract.Failure
	assert.True(t, errors.As(resp.Structured.Err, &failure))
	assert.Equal(t, "No encontré fraudes.", resp.Result.Text)
}

type fraudReport struct {
	Transactions []struct {
		ID     string `json:"ID Transacción"`
		Status string `json:"Estado"`
	} `json:"transacciones"`
}

func TestCompleteStructuredIntoTarget(t *testing.T) {
	fake := &fakeBackend{
		buffered: func(w http.ResponseWriter, r *http.Request) {
			reply := map[string]any{"message": map[string]any{
				"content": "Resultado:\n{\"transacciones\":[{\"ID Transacción\":\"T7\",\"Estado\":\"Aprobado\"}]}",
			}}
			_ = json.NewEncoder(w).Encode(reply)
		},
		streamed: failTest(t),
	}
	c := newClient(t, fake)

	var got fraudReport
	resp, err := c.Complete(context.Background(), Call{Messages: classifyMessages(), WantStructured: true, Target: &got})
	require.NoError(t, err)

	require.NotNil(t, resp.Structured)
	assert.True(t, resp.Structured.OK())
	assert.Same(t, &got, resp.Structured.Value)
	require.Len(t, got.Transactions, 1)
	assert.Equal(t, "T7", got.Transactions[0].ID)
	assert.Equal(t, "Aprobado", got.Transactions[0].Status)
}

func TestCompleteStructuredTargetUntouchedOnFailure(t *testing.T) {
	fake := &fakeBackend{
		buffered: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"message":{"content":"{\"transacciones\":[]} y además {\"x\":1}"}}`)
		},
		streamed: failTest(t),
	}
	c := newClient(t, fake)

	got := map[string]any{"previo": true}
	resp, err := c.Complete(context.Background(), Call{Messages: classifyMessages(), WantStructured: true, Target: &got})
	require.NoError(t, err)

	require.NotNil(t, resp.Structured)
	assert.False(t, resp.Structured.OK())
	var failure *extract.Failure
	assert.True(t, errors.As(resp.Structured.Err, &failure))
	assert.Equal(t, map[string]any{"previo": true}, got)
}

func TestCompleteRejectsNonPointerTarget(t *testing.T) {
	c := newClient(t, &fakeBackend{buffered: failTest(t), streamed: failTest(t)})

	_, err := c.Complete(context.Background(), Call{Messages: classifyMessages(), WantStructured: true, Target: fraudReport{}})
	assert.ErrorIs(t, err, extract.ErrInvalidTarget)
}

func TestCompleteReportsBudgetOverrun(t *testing.T) {
	catalog, err := profile.NewCatalog([]models.ModelProfile{
		{ID: "llama3", ContextWindow: 8000},
		{ID: "llama3:instruct", ContextWindow: 8192},
	}, nil)
	require.NoError(t, err)

	fake := &fakeBackend{
		buffered: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"message":{"content":"perfil"},"prompt_eval_count":7000,"eval_count":300}`)
		},
		streamed: failTest(t),
	}
	c := newClient(t, fake, WithCatalog(catalog))

	resp, err := c.Complete(context.Background(), Call{Messages: classifyMessages(), MaxOutputTokens: 2048})
	require.NoError(t, err)
	assert.True(t, resp.BudgetOverrun)

	resp, err = c.Complete(context.Background(), Call{Messages: classifyMessages(), MaxOutputTokens: 500})
	require.NoError(t, err)
	assert.False(t, resp.BudgetOverrun)

	assert.Equal(t, 2048, fake.requests()[0].Options.NumPredict)
}

func TestCompleteRejectsInvalidCall(t *testing.T) {
	c := newClient(t, &fakeBackend{buffered: failTest(t), streamed: failTest(t)})

	_, err := c.Complete(context.Background(), Call{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)

	_, err = c.Complete(context.Background(), Call{Messages: []models.ChatMessage{{Role: "robot", Content: "x"}}})
	assert.Error(t, err)
}

func TestCompleteConcurrentCallsAreIndependent(t *testing.T) {
	fake := &fakeBackend{
		buffered: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		streamed: writeLines(`{"message":{"content":"a"}}`, `{"message":{"content":"b"}}`),
	}
	c := newClient(t, fake)

	const calls = 16
	var wg sync.WaitGroup
	errs := make([]error, calls)
	texts := make([]string, calls)
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Complete(context.Background(), Call{Messages: classifyMessages()})
			errs[i] = err
			if err == nil {
				texts[i] = resp.Result.Text
			}
		}()
	}
	wg.Wait()

	for i := range calls {
		assert.NoError(t, errs[i])
		assert.Equal(t, "ab", texts[i])
	}
	assert.Len(t, fake.requests(), 2*calls)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, "llama3")
	assert.Error(t, err)

	backend, err := ollama.New("http://localhost:11434", ollama.NewHTTPClient(), nil)
	require.NoError(t, err)
	_, err = New(backend, " ")
	assert.Error(t, err)
}
