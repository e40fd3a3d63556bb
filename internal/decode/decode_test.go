package decode

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedExtractsContent(t *testing.T) {
	body := `{"model":"llama3","message":{"role":"assistant","content":"Category: Tools"},"done":true,"prompt_eval_count":12,"eval_count":4}`

	got, err := Buffered(strings.NewReader(body))
	require.NoError(t, err)

	assert.Equal(t, "Category: Tools", got.Text)
	assert.Equal(t, 12, got.Usage.InputTokens)
	assert.Equal(t, 4, got.Usage.OutputTokens)
	assert.Equal(t, 1, got.Fragments)
	assert.JSONEq(t, body, string(got.Raw))
}

func TestBufferedMissingAccountingDefaultsToZero(t *testing.T) {
	got, err := Buffered(strings.NewReader(`{"message":{"content":""}}`))
	require.NoError(t, err)
	assert.Empty(t, got.Text)
	assert.Zero(t, got.Usage.Total())
}

func TestBufferedMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":        `<html>bad gateway</html>`,
		"missing message": `{"response":"hi"}`,
		"missing content": `{"message":{"role":"assistant"}}`,
		"backend error":   `{"error":"model 'x' not found"}`,
		"empty body":      ``,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Buffered(strings.NewReader(body))
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestStreamConcatenatesInOrder(t *testing.T) {
	body := strings.Join([]string{
		`{"message":{"content":"Cat"}}`,
		``,
		`{"message":{"content":"egory"}}`,
		`{"message":{"content":": Tools"}}`,
		`{"message":{"content":""},"done":true,"prompt_eval_count":9,"eval_count":3}`,
	}, "\n")

	got, err := Stream(strings.NewReader(body), nil)
	require.NoError(t, err)

	assert.Equal(t, "Category: Tools", got.Text)
	assert.Equal(t, 4, got.Fragments)
	assert.Zero(t, got.Skipped)
	assert.Equal(t, 9, got.Usage.InputTokens)
	assert.Equal(t, 3, got.Usage.OutputTokens)
}

func TestStreamSkipsUnparsableLine(t *testing.T) {
	body := "{\"message\":{\"content\":\"Cat\"}}\ngarbage\n{\"message\":{\"content\":\"egory: Tools\"}}\n"

	got, err := Stream(strings.NewReader(body), nil)
	require.NoError(t, err)

	assert.Equal(t, "Category: Tools", got.Text)
	assert.Equal(t, 2, got.Fragments)
	assert.Equal(t, 1, got.Skipped)
}

func TestStreamWithoutTrailingNewline(t *testing.T) {
	got, err := Stream(strings.NewReader(`{"message":{"content":"a"}}`+"\n"+`{"message":{"content":"b"}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", got.Text)
}

func TestStreamStopsAtDone(t *testing.T) {
	body := "{\"message\":{\"content\":\"x\"},\"done\":true}\n{\"message\":{\"content\":\"late\"}}\n"
	got, err := Stream(strings.NewReader(body), nil)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Text)
}

func TestStreamEmpty(t *testing.T) {
	tests := map[string]string{
		"no lines":        "",
		"blank lines":     "\n\n  \n",
		"only garbage":    "garbage\n{truncated\n",
		"no content path": `{"done":true}` + "\n" + `{"error":"boom"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Stream(strings.NewReader(body), nil)
			assert.ErrorIs(t, err, ErrEmptyStream)
		})
	}
}

type failingReader struct{ served bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.served {
		r.served = true
		return copy(p, "{\"message\":{\"content\":\"par\"}}\n"), nil
	}
	return 0, errors.New("connection reset")
}

func TestStreamReadErrorIsReported(t *testing.T) {
	_, err := Stream(&failingReader{}, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmptyStream)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestStreamLongLine(t *testing.T) {
	long := strings.Repeat("x", 200*1024)
	got, err := Stream(strings.NewReader(`{"message":{"content":"`+long+`"}}`), nil)
	require.NoError(t, err)
	assert.Len(t, got.Text, len(long))
}

func TestStreamSkipsOversizedLine(t *testing.T) {
	body := "{\"message\":{\"content\":\"Cat\"}}\n" +
		strings.Repeat("g", maxLineBytes+1024) +
		"\n{\"message\":{\"content\":\"egory: Tools\"}}\n"

	got, err := Stream(strings.NewReader(body), nil)
	require.NoError(t, err)

	assert.Equal(t, "Category: Tools", got.Text)
	assert.Equal(t, 2, got.Fragments)
	assert.Equal(t, 1, got.Skipped)
}

func TestStreamOversizedFinalLine(t *testing.T) {
	body := "{\"message\":{\"content\":\"ok\"}}\n" + strings.Repeat("g", maxLineBytes+1)

	got, err := Stream(strings.NewReader(body), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Text)
	assert.Equal(t, 1, got.Skipped)
}

func TestStreamDoneFrameWithoutMessageKeepsAccounting(t *testing.T) {
	body := strings.Join([]string{
		`{"message":{"content":"Category"}}`,
		`{"message":{"content":": Tools"}}`,
		`{"done":true,"prompt_eval_count":15,"eval_count":6}`,
	}, "\n")

	got, err := Stream(strings.NewReader(body), nil)
	require.NoError(t, err)

	assert.Equal(t, "Category: Tools", got.Text)
	assert.Equal(t, 2, got.Fragments)
	assert.Zero(t, got.Skipped)
	assert.Equal(t, 15, got.Usage.InputTokens)
	assert.Equal(t, 6, got.Usage.OutputTokens)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "<empty>", Snippet("  \n"))
	assert.Equal(t, "a b c", Snippet("a\n\tb   c"))
	assert.True(t, strings.HasSuffix(Snippet(strings.Repeat("y", 500)), "..."))
}
