// Package client provides the knowledge access capability for the CAG core.
// Two implementations exist behind one contract: Direct issues SQL against
// the knowledge store, Tool forwards to an external tool registry over
// JSON-RPC. The core never cares which one it holds.
package client

import (
	"context"
	"errors"
	"fmt"

	"cagcore/internal/knowledge"
)

// Client is the uniform knowledge capability.
type Client interface {
	// SearchKnowledge returns items matching the query, optionally filtered
	// by knowledge type, newest first.
	SearchKnowledge(ctx context.Context, query string, types []knowledge.Type, limit int) ([]knowledge.Item, error)

	// ContextualKnowledge returns items relevant to a situation description.
	ContextualKnowledge(ctx context.Context, situation string, maxResults int) ([]knowledge.Item, error)

	// SessionContext returns session-scoped items, optionally narrowed to a
	// project.
	SessionContext(ctx context.Context, maxItems int, project string) ([]knowledge.Item, error)

	// StoreKnowledge persists a new item and returns its id.
	StoreKnowledge(ctx context.Context, req StoreRequest) (string, error)
}

// StoreRequest carries the fields of a knowledge item to persist.
type StoreRequest struct {
	KnowledgeType knowledge.Type
	Title         string
	Content       string
	Category      string
	Importance    int
}

// =============================================================================
// Error taxonomy
// =============================================================================

// Kind partitions client failures by whether a later retry could succeed.
type Kind int

const (
	// KindTransient covers timeouts, connection resets, and other
	// recoverable conditions.
	KindTransient Kind = iota
	// KindPermanent covers authentication, schema, and protocol failures.
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is the single error type returned by Client implementations.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("knowledge client (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a recoverable client error.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-recoverable client error.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// IsTransient reports whether err is a transient client error.
func IsTransient(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindTransient
}

// IsPermanent reports whether err is a permanent client error.
func IsPermanent(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindPermanent
}
