package core

// PageIterator is a lazy, forward-only sequence of pages read back from a
// spill file. It is not restartable and not safe for concurrent use.
type PageIterator interface {
	// Next advances to the next page, returning false at the end of the
	// sequence or on error.
	Next() bool
	// At returns the current page. Only valid after a successful Next.
	At() (*Page, error)
	// Error returns the first error encountered, if any.
	Error() error
	// Close releases the iterator's resources. Idempotent.
	Close() error
}
