package cache

import "errors"

// Sentinel errors returned by the facade. Wrap with fmt.Errorf("...: %w", ...)
// at call sites that need to attach a key or cause; callers should match
// against these with errors.Is.
var (
	// ErrNotFound is returned by Get when the key could not be made
	// resident, whether because the loader failed or the deadline expired
	// before admission completed.
	ErrNotFound = errors.New("cache: frame not found")

	// ErrBudgetExhausted is returned by Get/Put when the memory governor
	// could not make room for the incoming buffer even after evicting
	// everything evictable.
	ErrBudgetExhausted = errors.New("cache: budget exhausted")

	// ErrInvalidKey is returned when a key falls outside the configured
	// frame range.
	ErrInvalidKey = errors.New("cache: key outside configured frame range")

	// ErrDoubleRelease is returned by Release when a Borrow has already
	// been released once.
	ErrDoubleRelease = errors.New("cache: borrow released twice")
)
