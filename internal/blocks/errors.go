package blocks

import (
	"errors"
	"fmt"

	gocid "github.com/ipfs/go-cid"
)

var (
	ErrHashMismatch = errors.New("block hash does not match its CID")
	ErrUndefinedCID = errors.New("undefined CID")
	ErrMissingBlock = errors.New("missing block")
)

// MissingBlockError reports a referenced CID that is absent from the active
// block source. It matches ErrMissingBlock under errors.Is.
type MissingBlockError struct {
	CID gocid.Cid
}

func (e *MissingBlockError) Error() string {
	return fmt.Sprintf("missing block %s", e.CID)
}

func (e *MissingBlockError) Is(target error) bool {
	return target == ErrMissingBlock
}

// NewMissingBlockError returns a *MissingBlockError for c.
func NewMissingBlockError(c gocid.Cid) error {
	return &MissingBlockError{CID: c}
}
