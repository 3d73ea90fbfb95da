package entity

import "errors"

// Error taxonomy for the engine. Per-record and per-token failures are
// recovered locally; only structural failures surface to the caller.
var (
	// ErrSchemaMismatch fails the whole request: an upstream payload had
	// an unexpected shape and classification cannot proceed safely.
	ErrSchemaMismatch = errors.New("upstream payload schema mismatch")

	// ErrProviderUnavailable marks one provider as unusable for a batch;
	// the resolver falls back to the next provider in priority order.
	ErrProviderUnavailable = errors.New("price provider unavailable")

	// ErrNoProvidersConfigured is returned when report generation is
	// attempted without any price provider configured.
	ErrNoProvidersConfigured = errors.New("no price providers configured")

	// ErrInvalidWalletAddress is a structural input failure.
	ErrInvalidWalletAddress = errors.New("invalid wallet address")

	// ErrUnknownChain is returned for a chain id with no configured network.
	ErrUnknownChain = errors.New("unknown chain id")
)
