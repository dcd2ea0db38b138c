// Package publisher is the contract with the external content-publishing API.
package publisher

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

type Request struct {
	// Token is the idempotency token of the occurrence; implementations pass
	// it to the remote API so a replayed request cannot publish twice.
	Token     string
	Content   string
	Media     []string
	Secondary *SecondaryRequest
}

type SecondaryRequest struct {
	Text string
}

type Result struct {
	ExternalID string
	// Secondary is set when the request carried a secondary payload.
	Secondary *SecondaryResult
}

type SecondaryResult struct {
	Success bool
	ID      string
	Err     error
}

type Publisher interface {
	Publish(ctx context.Context, req Request) (Result, error)
	// PostSecondary retries the follow-up action under an existing publication.
	PostSecondary(ctx context.Context, externalID, token string, req SecondaryRequest) (SecondaryResult, error)
	// Lookup asks the remote side whether the occurrence identified by token
	// was actually published. found=false means it certainly was not.
	Lookup(ctx context.Context, token string) (externalID string, found bool, err error)
}

type Kind int

const (
	Transient Kind = iota + 1
	Permanent
)

// Error is a classified remote failure.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Kind == Transient {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("publish %s error (status %d): %s", kind, e.Status, e.Message)
	}
	return fmt.Sprintf("publish %s error: %s", kind, e.Message)
}

// IsTransient reports whether err is worth retrying: timeouts, server-side
// errors, rate limiting and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// ClassifyStatus maps an HTTP status to an error kind.
func ClassifyStatus(status int) Kind {
	if status == 408 || status == 429 || status >= 500 {
		return Transient
	}
	return Permanent
}
