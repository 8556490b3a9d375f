package integration

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind partitions provider failures by how the workers must react to
// them. The mapping to retry behavior lives in Classify, nowhere else.
type ErrorKind string

const (
	// KindClient is a 4xx with bad-request semantics. Re-sending an identical
	// request cannot succeed.
	KindClient ErrorKind = "client"
	// KindInvalidDuration is a local pre-flight validation failure. It never
	// reaches the network.
	KindInvalidDuration ErrorKind = "invalid_duration"
	// KindToken covers a failed credential exchange and 401/403 responses;
	// the token may simply have expired mid-flight.
	KindToken ErrorKind = "token"
	// KindRateLimit is a 429. RetryAfter carries the provider-mandated delay.
	KindRateLimit ErrorKind = "rate_limit"
	// KindServer is a 5xx.
	KindServer ErrorKind = "server"
	// KindNetwork is a transport-level failure (timeout, connection reset).
	KindNetwork ErrorKind = "network"
	// KindNotFound means the provider reports the resource does not exist.
	// Delete flows treat it as success.
	KindNotFound ErrorKind = "not_found"
)

// DefaultRetryAfter is the rate-limit cooldown used when a 429 response
// carries no Retry-After header.
const DefaultRetryAfter = 60 * time.Second

// ProviderError is a provider call failure translated into the taxonomy.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	// Code is the provider's application-level error subcode, when present.
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", e.Kind, e.Message)
}

// Retryable reports whether a future attempt could succeed without operator
// intervention.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindToken, KindRateLimit, KindServer, KindNetwork:
		return true
	}
	return false
}

// PermanentDeliveryError marks a transport failure the transport itself
// classified as permanent, such as an invalid recipient address.
type PermanentDeliveryError struct {
	Err error
}

func (e *PermanentDeliveryError) Error() string { return e.Err.Error() }
func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

// ErrAttachmentMissing is returned by an AttachmentResolver when the referenced
// bytes do not exist. A job referencing missing bytes is a terminal failure.
var ErrAttachmentMissing = errors.New("attachment content missing")

// Disposition tells a worker what to do with a failed work item.
type Disposition struct {
	// Retry releases the item for a future claim. False marks it permanently
	// failed.
	Retry bool
	// Delay is the minimum wait before the next claim, zero for the worker's
	// normal backoff.
	Delay time.Duration
}

// Classify maps any execution error onto a retry disposition. Both workers
// consume it so the retry policy has a single home.
func Classify(err error) Disposition {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if !pe.Retryable() {
			return Disposition{}
		}
		d := Disposition{Retry: true}
		if pe.Kind == KindRateLimit {
			d.Delay = pe.RetryAfter
			if d.Delay <= 0 {
				d.Delay = DefaultRetryAfter
			}
		}
		return d
	}

	var de *PermanentDeliveryError
	if errors.As(err, &de) {
		return Disposition{}
	}
	if errors.Is(err, ErrAttachmentMissing) {
		return Disposition{}
	}

	// Unclassified errors are assumed transient: the transports return typed
	// errors for everything they know to be permanent.
	return Disposition{Retry: true}
}
