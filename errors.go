package hbm

import "github.com/pkg/errors"

// Error taxonomy for BO negotiation and lifecycle operations. Call sites wrap
// these roots with context; callers test them with errors.Is.
var (
	// ErrConstraintUnsatisfiable is returned when no supported modifier or
	// memory type can satisfy the requested description, extent, or
	// capability flags.
	ErrConstraintUnsatisfiable error = errors.New("no supported modifier or memory type satisfies the request")
	// ErrInvalidLayout is returned when an explicit physical layout is
	// internally inconsistent (offsets outside the total size, zero strides,
	// bad plane count).
	ErrInvalidLayout error = errors.New("physical layout is internally inconsistent")
	// ErrInvalidState is returned when an operation is called out of
	// sequence: binding a bound BO, mapping an unbound one, unmapping an
	// unmapped one, and so on.
	ErrInvalidState error = errors.New("operation called out of sequence")
	// ErrImportFailed is returned when an imported handle's backing
	// allocation does not match the BO's layout.
	ErrImportFailed error = errors.New("imported handle does not match the layout")
	// ErrDriverFailure is returned when the underlying driver rejects an
	// allocation, copy, or export call.
	ErrDriverFailure error = errors.New("driver operation failed")
	// ErrUnsupported is returned by backends for format/modifier pairs and
	// operations outside their capabilities. Multi-backend dispatch treats
	// it as "ask the next backend".
	ErrUnsupported error = errors.New("unsupported")
)
