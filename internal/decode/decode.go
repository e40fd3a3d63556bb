// Package decode turns backend chat replies into a single aggregated text.
//
// Buffered replies are one JSON object. Streamed replies are newline-delimited
// JSON fragments that are parsed line by line as they arrive; a fragment that
// fails to parse is skipped rather than aborting the stream.
package decode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"

	"github.com/luisdh8/ollama-ecomerce/internal/models"
)

const maxLineBytes = 4 << 20

var (
	// ErrMalformedResponse reports a buffered payload that is not JSON or lacks message.content.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrEmptyStream reports a stream that produced no usable fragment.
	ErrEmptyStream = errors.New("empty stream")
)

// Decoded is the aggregated result of one reply.
type Decoded struct {
	Text  string
	Raw   []byte
	Usage models.Usage
	// Fragments counts the JSON objects that contributed content.
	Fragments int
	// Skipped counts stream lines that could not be parsed.
	Skipped int
}

type chatMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type chatFrame struct {
	Model           string       `json:"model"`
	Message         *chatMessage `json:"message"`
	Done            bool         `json:"done"`
	PromptEvalCount int          `json:"prompt_eval_count"`
	EvalCount       int          `json:"eval_count"`
	Error           string       `json:"error"`
}

func (f chatFrame) content() (string, bool) {
	if f.Message == nil || f.Message.Content == nil {
		return "", false
	}
	return *f.Message.Content, true
}

// Buffered decodes a single JSON object reply.
func Buffered(r io.Reader) (Decoded, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return Decoded{}, fmt.Errorf("read buffered reply: %w", err)
	}

	trimmed := bytes.TrimSpace(body)
	var frame chatFrame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return Decoded{}, fmt.Errorf("%w: %v (payload snippet: %s)", ErrMalformedResponse, err, Snippet(string(trimmed)))
	}
	if frame.Error != "" {
		return Decoded{}, fmt.Errorf("%w: backend error: %s", ErrMalformedResponse, frame.Error)
	}
	text, ok := frame.content()
	if !ok {
		return Decoded{}, fmt.Errorf("%w: message.content missing (payload snippet: %s)", ErrMalformedResponse, Snippet(string(trimmed)))
	}

	return Decoded{
		Text: text,
		Raw:  trimmed,
		Usage: models.Usage{
			InputTokens:  frame.PromptEvalCount,
			OutputTokens: frame.EvalCount,
		},
		Fragments: 1,
	}, nil
}

// Stream decodes newline-delimited JSON fragments incrementally. Unparsable
// and oversized lines are skipped and logged at debug level.
func Stream(r io.Reader, logger *slog.Logger) (Decoded, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &streamDecoder{logger: logger}
	br := bufio.NewReaderSize(r, 64*1024)

	var buf []byte
	for {
		line, oversized, err := readLine(br, buf)
		buf = line
		if err != nil && !errors.Is(err, io.EOF) {
			return Decoded{}, fmt.Errorf("read stream: %w", err)
		}

		s.lineNo++
		if oversized {
			s.out.Skipped++
			logger.Debug("skipping oversized stream line", "line", s.lineNo, "limit_bytes", maxLineBytes)
		} else if s.feed(bytes.TrimSpace(line)) {
			break
		}
		if err != nil {
			break
		}
	}

	out := s.out
	if out.Fragments == 0 {
		return Decoded{}, fmt.Errorf("%w: %d line(s) skipped", ErrEmptyStream, out.Skipped)
	}
	if out.Skipped > 0 {
		logger.Warn("stream decoded with skipped lines", "fragments", out.Fragments, "skipped", out.Skipped)
	}

	out.Text = s.builder.String()
	return out, nil
}

type streamDecoder struct {
	logger  *slog.Logger
	out     Decoded
	builder strings.Builder
	lineNo  int
}

// feed handles one trimmed line and reports whether the stream is done.
func (s *streamDecoder) feed(line []byte) bool {
	if len(line) == 0 {
		return false
	}

	var frame chatFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		s.out.Skipped++
		s.logger.Debug("skipping unparsable stream line", "line", s.lineNo, "error", err, "snippet", Snippet(string(line)))
		return false
	}
	if frame.Error != "" {
		s.out.Skipped++
		s.logger.Debug("skipping stream error fragment", "line", s.lineNo, "backend_error", frame.Error)
		return false
	}

	if frame.PromptEvalCount > 0 {
		s.out.Usage.InputTokens = frame.PromptEvalCount
	}
	if frame.EvalCount > 0 {
		s.out.Usage.OutputTokens = frame.EvalCount
	}

	text, ok := frame.content()
	if !ok {
		if !frame.Done {
			s.out.Skipped++
			s.logger.Debug("skipping stream fragment without content", "line", s.lineNo)
		}
		return frame.Done
	}

	s.builder.WriteString(text)
	s.out.Fragments++
	s.out.Raw = append(s.out.Raw[:0], line...)
	return frame.Done
}

// readLine returns the next line, reusing buf. A line longer than
// maxLineBytes is drained from r and reported as oversized instead.
func readLine(r *bufio.Reader, buf []byte) ([]byte, bool, error) {
	buf = buf[:0]
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(buf)+len(chunk) > maxLineBytes {
				oversized = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, oversized, err
	}
}

// Snippet collapses whitespace and truncates content for log and error messages.
func Snippet(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "<empty>"
	}
	clean := strings.Join(strings.Fields(trimmed), " ")
	const limit = 160
	runes := []rune(clean)
	if len(runes) > limit {
		clean = string(runes[:limit]) + "..."
	}
	return clean
}
