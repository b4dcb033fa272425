package interfaces

import "errors"

// Store errors every implementation must return for these conditions so the
// core can tell them apart from infrastructure failures.
var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicateVote = errors.New("duplicate vote for poll and student")
)
