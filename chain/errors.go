package chain

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// TransportError is returned when the node could not be reached, the call
// timed out or the node answered with an error. It is always retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned when the requested block does not exist yet.
// At the chain head this is expected and callers simply retry later.
type NotFoundError struct {
	Op  string
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s not found", e.Op, e.Ref)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ethereum.NotFound
}

// MalformedError is returned when the node answered but the payload cannot be
// decoded, for example a transaction type this client does not know.
type MalformedError struct {
	Op  string
	Ref string
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed %s: %v", e.Op, e.Ref, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func classify(op, ref string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ethereum.NotFound) {
		return &NotFoundError{Op: op, Ref: ref}
	}
	if isDecodeFailure(err) {
		return &MalformedError{Op: op, Ref: ref, Err: err}
	}
	return &TransportError{Op: op, Err: err}
}

func isDecodeFailure(err error) bool {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	return errors.Is(err, types.ErrTxTypeNotSupported) ||
		errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr)
}
