package domain

import "errors"

// Sentinel errors shared across adapters so callers can branch with
// errors.Is regardless of which concrete AccountProcessor produced them.
var (
	// ErrSymbolNotMapped names the case of a source symbol with no
	// canonical mapping. AssetMapper itself reports that case by returning
	// false, not this error.
	ErrSymbolNotMapped = errors.New("domain: symbol not mapped")

	// ErrSpecNotFound is returned when a venue has no trading spec for a
	// requested symbol at all (as opposed to a stale cache entry).
	ErrSpecNotFound = errors.New("domain: symbol spec not found")

	// ErrAccountUnreachable indicates a transient venue/network failure;
	// it is retried up to MaxReconcileRetries before the symbol is
	// marked FAIL for the cycle.
	ErrAccountUnreachable = errors.New("domain: account unreachable")

	// ErrQuantizedToZero names the case of a target depth rounded to zero
	// after quantization and min-size enforcement (§4.7). The bundled
	// exchange adapter does not return it; it skips the order instead.
	ErrQuantizedToZero = errors.New("domain: target quantized to zero")
)
