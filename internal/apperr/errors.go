// Package apperr defines the error taxonomy shared by the engine client,
// the session, and the template store.
package apperr

import "errors"

// Kind classifies an error by the boundary it crossed.
type Kind string

const (
	KindUpload        Kind = "upload"
	KindRun           Kind = "run"
	KindConfiguration Kind = "configuration"
	KindPersistence   Kind = "persistence"
)

var (
	ErrNotFound = errors.New("not found")

	ErrUpload        = &Error{Kind: KindUpload}
	ErrRun           = &Error{Kind: KindRun}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrPersistence   = &Error{Kind: KindPersistence}
)

// Error is a classified, human-readable failure. Msg is what the user sees.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New returns an Error of the given kind.
func New(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, apperr.ErrRun) matches any run failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
