package pubsub

import (
	"errors"
	"fmt"

	"github.com/srediag/shm-pubsub/api"
	"github.com/srediag/shm-pubsub/pkg/shm"
)

// Error classes. Every returned error matches exactly one of them with errors.Is, except
// configuration and name errors.
var (
	// ErrResourceExhaustion covers recoverable shortages: retry, back off or skip a cycle.
	ErrResourceExhaustion = errors.New("resource exhaustion")
	// ErrConnectionBroken means a peer or its shared memory went away. Recoverable.
	ErrConnectionBroken = errors.New("connection broken")
	// ErrProtocolInvariantViolation is never returned: operations that detect corrupted
	// shared state panic with an error wrapping it.
	ErrProtocolInvariantViolation = shm.ErrProtocolInvariantViolation
)

var (
	// ErrOutOfMemory is returned by Loan when the publisher's slot pool is exhausted.
	ErrOutOfMemory = fmt.Errorf("%w: out of memory", ErrResourceExhaustion)
	// ErrExceedsMaxLoans is returned by Loan when the publisher holds its limit of unsent loans.
	ErrExceedsMaxLoans = fmt.Errorf("%w: exceeds max loans", ErrResourceExhaustion)
	// ErrExceedsMaxBorrowedSamples is returned by Receive while the subscriber holds its limit
	// of unreleased samples.
	ErrExceedsMaxBorrowedSamples = fmt.Errorf("%w: exceeds max borrowed samples", ErrResourceExhaustion)
	// ErrExceedsMaxLoanSize is returned by LoanSlice for more elements than the publisher
	// was configured with.
	ErrExceedsMaxLoanSize = errors.New("exceeds max loan size")
	// ErrIncompatibleTypes is returned when a payload type does not match the service.
	ErrIncompatibleTypes = errors.New("incompatible payload types")
	// ErrInvalidPayloadType is returned for payload types without a fixed memory layout.
	ErrInvalidPayloadType = errors.New("payload type has no fixed layout")
	// ErrInvalidServiceName is returned for empty, oversized or non-printable names.
	ErrInvalidServiceName = errors.New("invalid service name")
	// ErrServiceNotFound is returned by Open for a missing service.
	ErrServiceNotFound = api.ErrServiceNotFound
	// ErrServiceExists is returned by Create for an existing service.
	ErrServiceExists = api.ErrServiceExists
	// ErrClosed is returned by operations on a closed publisher or subscriber.
	ErrClosed = errors.New("endpoint closed")
	// ErrSampleConsumed is the panic value of accesses to a sent or released sample.
	ErrSampleConsumed = errors.New("sample already consumed")
)
