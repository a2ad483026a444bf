package memory

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrStoreWrite      = errors.New("memory store write failed")
	ErrStoreSearch     = errors.New("memory store search failed")
	ErrInvalidCriteria = errors.New("delete criteria must set at least one field")
	ErrNotSupported    = errors.New("operation not supported by this store")
	ErrInvalidRecord   = errors.New("invalid memory record")
)

// Error is returned by Store implementations. Both Kind and Err are visible
// to errors.Is and errors.As.
type Error struct {
	Store string // "chromem", "neo4j"
	Op    string // "add", "search", "list", "delete"
	Kind  error
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Store, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Store, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds a store error of the given kind.
func NewError(store, op string, kind, err error) *Error {
	return &Error{Store: store, Op: op, Kind: kind, Err: err}
}
