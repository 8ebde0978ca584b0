package indexer

import (
	"eth-indexer/chain"
	"fmt"

	"github.com/pkg/errors"
)

// DecodeError marks a payload that is missing required fields or is
// inconsistent with the rest of the block.
type DecodeError struct {
	Entity string
	Ref    string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %s: %v", e.Entity, e.Ref, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErrorf(entity, ref, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Entity: entity, Ref: ref, Err: errors.Errorf(format, args...)}
}

// asDecodeError turns a payload the node sent but the client could not decode
// into a DecodeError. Other errors are returned unchanged.
func asDecodeError(entity, ref string, err error) error {
	if chain.IsMalformed(err) {
		return &DecodeError{Entity: entity, Ref: ref, Err: err}
	}
	return err
}

// PersistenceError is returned for blocks that could not be written after
// all retries.
type PersistenceError struct {
	Numbers []uint64
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist blocks %v: %v", e.Numbers, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ReorgDetected signals that the stored block at Number is not an ancestor of
// the canonical chain any more. It drives the delete-and-refetch path.
type ReorgDetected struct {
	Number     uint64
	StoredHash string
	ChainHash  string
}

func (r *ReorgDetected) Error() string {
	return fmt.Sprintf("reorg at block %d: stored %s, canonical %s", r.Number, r.StoredHash, r.ChainHash)
}

// FailedBlock is a block number given up by a run, with the reason.
type FailedBlock struct {
	Number uint64
	Err    error
}
