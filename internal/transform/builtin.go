package transform

import (
	"bytes"
	"fmt"
)

// Upper uppercases the whole file.
func Upper(name string, predicate PredicateFunc) (*Func, error) {
	f, err := New(name, predicate, func(code []byte, relPath string) ([]byte, error) {
		return bytes.ToUpper(code), nil
	})
	if err != nil {
		return nil, err
	}
	f.identity = identity("upper", name)
	return f, nil
}

// Suffix appends text to the file.
func Suffix(name, text string, predicate PredicateFunc) (*Func, error) {
	if text == "" {
		return nil, fmt.Errorf("%w %q: suffix transformer needs text", ErrInvalid, name)
	}
	suffix := []byte(text)
	f, err := New(name, predicate, func(code []byte, relPath string) ([]byte, error) {
		out := make([]byte, 0, len(code)+len(suffix))
		out = append(out, code...)
		return append(out, suffix...), nil
	})
	if err != nil {
		return nil, err
	}
	f.identity = identity("suffix", name, suffix)
	return f, nil
}
