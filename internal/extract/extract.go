// Package extract recovers structured payloads from free-form model replies.
//
// Recovery is two-phase: the whole text is parsed first, then the substring
// between the first opening delimiter and the last matching closing delimiter.
// A reply that survives neither phase yields a *Failure that keeps the text
// verbatim so callers can still show it.
package extract

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Delimiters bracket a structured value inside surrounding prose.
type Delimiters struct {
	Open  string
	Close string
}

var (
	Object = Delimiters{Open: "{", Close: "}"}
	Array  = Delimiters{Open: "[", Close: "]"}
)

// ErrNoDelimiters reports text without an opening/closing pair to slice on.
var ErrNoDelimiters = errors.New("no delimited payload found")

// ErrNotStructured reports a reply that parsed to a scalar instead of an object or array.
var ErrNotStructured = errors.New("payload is not an object or array")

// Failure is returned when neither the direct nor the sliced parse succeeds.
type Failure struct {
	Raw    string
	Direct error
	Sliced error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("extract structured payload: direct: %v; sliced: %v", f.Direct, f.Sliced)
}

func (f *Failure) Unwrap() []error {
	return []error{f.Direct, f.Sliced}
}

// Slice returns the substring from the first Open to the last Close, inclusive.
func Slice(text string, d Delimiters) (string, bool) {
	start := strings.Index(text, d.Open)
	if start < 0 {
		return "", false
	}
	end := strings.LastIndex(text, d.Close)
	if end <= start {
		return "", false
	}
	return text[start : end+len(d.Close)], true
}

// JSON parses text into a generic object or array.
func JSON(text string) (any, error) {
	var value any
	if err := parse(text, func(candidate string) error {
		var v any
		if err := json.Unmarshal([]byte(candidate), &v); err != nil {
			return err
		}
		switch v.(type) {
		case map[string]any, []any:
			value = v
			return nil
		default:
			return ErrNotStructured
		}
	}); err != nil {
		return nil, err
	}
	return value, nil
}

// ErrInvalidTarget reports an Into target that is not a non-nil pointer.
var ErrInvalidTarget = errors.New("target must be a non-nil pointer")

// Into decodes the recovered payload into target, which must be a non-nil
// pointer. Each attempt decodes into a fresh value; target is only assigned
// on success and is left untouched when a *Failure is returned.
func Into(text string, target any) error {
	if err := CheckTarget(target); err != nil {
		return err
	}
	dst := reflect.ValueOf(target)
	elem := dst.Type().Elem()

	return parse(text, func(candidate string) error {
		fresh := reflect.New(elem)
		if err := json.Unmarshal([]byte(candidate), fresh.Interface()); err != nil {
			return err
		}
		dst.Elem().Set(fresh.Elem())
		return nil
	})
}

// CheckTarget reports whether target can be passed to Into.
func CheckTarget(target any) error {
	dst := reflect.ValueOf(target)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return ErrInvalidTarget
	}
	return nil
}

func parse(text string, decode func(string) error) error {
	trimmed := strings.TrimSpace(text)

	directErr := decode(trimmed)
	if directErr == nil {
		return nil
	}

	slicedErr := ErrNoDelimiters
	for _, d := range delimitersByPosition(trimmed) {
		candidate, ok := Slice(trimmed, d)
		if !ok {
			continue
		}
		if candidate == trimmed {
			// Same text the direct parse already rejected.
			slicedErr = directErr
			continue
		}
		if slicedErr = decode(candidate); slicedErr == nil {
			return nil
		}
	}

	return &Failure{Raw: text, Direct: directErr, Sliced: slicedErr}
}

// delimitersByPosition orders the known pairs by where their opener first
// appears, so an array of objects is sliced as an array.
func delimitersByPosition(text string) []Delimiters {
	type candidate struct {
		d   Delimiters
		pos int
	}
	var found []candidate
	for _, d := range []Delimiters{Object, Array} {
		if pos := strings.Index(text, d.Open); pos >= 0 {
			found = append(found, candidate{d: d, pos: pos})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].pos < found[j].pos })

	out := make([]Delimiters, 0, len(found))
	for _, c := range found {
		out = append(out, c.d)
	}
	return out
}
