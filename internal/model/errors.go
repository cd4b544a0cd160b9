package model

import "errors"

// Error taxonomy for the extraction pipeline. Only ErrValidation is fatal to
// a single document's extraction; guardrail and provider failures degrade to
// pattern-only results and are logged for audit.
var (
	// ErrValidation marks a malformed NormalizedDocument, rejected before
	// extraction begins.
	ErrValidation = errors.New("document validation failed")

	// ErrGuardrailBlocked marks adversarial content detected pre- or
	// post-call. The reasoning call is aborted, never surfaced as a hard
	// failure to the caller.
	ErrGuardrailBlocked = errors.New("guardrail blocked")

	// ErrProviderTimeout marks a reasoning call that exceeded its deadline.
	ErrProviderTimeout = errors.New("reasoning provider timeout")

	// ErrProviderFailure marks any other reasoning provider error.
	ErrProviderFailure = errors.New("reasoning provider failure")

	// ErrDuplicateIndicator signals an idempotent no-op on re-extraction of
	// an already-seen (documentID, type, value) tuple.
	ErrDuplicateIndicator = errors.New("duplicate indicator")

	// ErrNotFound marks a missing record in the store.
	ErrNotFound = errors.New("not found")
)
