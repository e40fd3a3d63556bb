// Package tokenizer counts tokens locally with tiktoken vocabularies that ship
// inside the binary, so counting works without network access.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is used for model ids without an explicit mapping.
const DefaultEncoding = "cl100k_base"

var loaderOnce sync.Once

// Tiktoken maps model ids to vocabularies and counts tokens with them.
type Tiktoken struct {
	defaultEncoding string
	modelEncodings  map[string]string

	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// New builds a tokenizer. modelEncodings maps a model id (or its base name
// before ":") to an encoding name.
func New(defaultEncoding string, modelEncodings map[string]string) *Tiktoken {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})

	if strings.TrimSpace(defaultEncoding) == "" {
		defaultEncoding = DefaultEncoding
	}
	mapped := make(map[string]string, len(modelEncodings))
	for model, enc := range modelEncodings {
		mapped[strings.TrimSpace(model)] = strings.TrimSpace(enc)
	}

	return &Tiktoken{
		defaultEncoding: defaultEncoding,
		modelEncodings:  mapped,
		encodings:       make(map[string]*tiktoken.Tiktoken),
	}
}

// EncodingFor returns the vocabulary name used for model.
func (t *Tiktoken) EncodingFor(model string) string {
	model = strings.TrimSpace(model)
	if enc, ok := t.modelEncodings[model]; ok && enc != "" {
		return enc
	}
	if base, _, found := strings.Cut(model, ":"); found {
		if enc, ok := t.modelEncodings[base]; ok && enc != "" {
			return enc
		}
	}
	return t.defaultEncoding
}

// Count returns the number of tokens text encodes to for model. A mapping to
// an unknown vocabulary falls back to the default one.
func (t *Tiktoken) Count(text, model string) (int, error) {
	if text == "" {
		return 0, nil
	}

	enc, err := t.encoding(t.EncodingFor(model))
	if err != nil {
		enc, err = t.encoding(t.defaultEncoding)
		if err != nil {
			return 0, err
		}
	}
	return len(enc.Encode(text, []string{"all"}, nil)), nil
}

// encoding returns the cached vocabulary for name, loading it on first use.
// Encoders are shared across goroutines; only the cache is locked.
func (t *Tiktoken) encoding(name string) (*tiktoken.Tiktoken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if enc, ok := t.encodings[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", name, err)
	}
	t.encodings[name] = enc
	return enc, nil
}
