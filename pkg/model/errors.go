package model

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package wraps exactly one.
var (
	ErrConfig         = errors.New("invalid model config")
	ErrLoad           = errors.New("graph load failed")
	ErrParse          = errors.New("graph parse failed")
	ErrResolution     = errors.New("tensor resolution failed")
	ErrRestore        = errors.New("checkpoint restore failed")
	ErrMissingFeature = errors.New("missing input feature")
	ErrExecution      = errors.New("forward pass failed")
)

// ErrClosed is the cause of ErrExecution after Close.
var ErrClosed = errors.New("adapter closed")

// Error reports a failure of the given kind about a named file, tensor or
// feature.
type Error struct {
	Kind error
	Name string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Name != "" && e.Err != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Name, e.Err)
	case e.Name != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Name)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, name string, err error) *Error {
	return &Error{Kind: kind, Name: name, Err: err}
}

// MissingFeature returns the name of the absent feature if err is a
// missing-feature error.
func MissingFeature(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == ErrMissingFeature {
		return e.Name, true
	}
	return "", false
}
