package validator

import "context"

// StaticSource is a fixed-list Source, useful for tests and for
// process boot before a real blockchain RPC client (spec.md section 1's
// out-of-scope collaborator) is wired in.
type StaticSource struct {
	Entries []Entry
}

// FetchAll returns the fixed entry list unconditionally.
func (s StaticSource) FetchAll(ctx context.Context) ([]Entry, error) {
	return s.Entries, nil
}
