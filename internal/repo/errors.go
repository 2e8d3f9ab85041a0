package repo

import (
	"errors"

	"github.com/systemshift/atrepo/internal/mst"
	"github.com/systemshift/atrepo/internal/storage"
)

var (
	ErrInvalidSignature = errors.New("invalid commit signature")
	ErrDIDMismatch      = errors.New("commit did does not match repository")
	ErrInvalidCommit    = errors.New("invalid commit")
	ErrBrokenChain      = errors.New("commit does not follow the current head")
	ErrInvalidTID       = errors.New("invalid tid")
	ErrInvalidWrite     = errors.New("invalid write")
	ErrNoWrites         = errors.New("no writes to commit")

	// ErrNonMonotonicRev is shared with storage so either layer's rejection
	// matches with errors.Is.
	ErrNonMonotonicRev = storage.ErrNonMonotonicRev

	ErrRecordNotFound = mst.ErrKeyNotFound
	ErrRecordExists   = mst.ErrKeyExists
)
