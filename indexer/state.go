package indexer

import "github.com/pkg/errors"

// BlockState is the reconciliation state of a stored block number.
type BlockState int

const (
	Unverified BlockState = iota
	Verified
	Superseded
	Refetching
)

func (s BlockState) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case Verified:
		return "verified"
	case Superseded:
		return "superseded"
	case Refetching:
		return "refetching"
	default:
		return "unknown"
	}
}

var allowedTransitions = map[BlockState][]BlockState{
	Unverified: {Verified, Superseded},
	Superseded: {Refetching},
	Refetching: {Unverified},
}

// Transition validates a state change.
func (s BlockState) Transition(to BlockState) (BlockState, error) {
	for _, allowed := range allowedTransitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, errors.Errorf("invalid block state transition %s -> %s", s, to)
}

// blockStates tracks the state of each number a reconciliation touched, with
// the history of transitions for the report.
type blockStates struct {
	current map[uint64]BlockState
	history map[uint64][]BlockState
}

func newBlockStates() *blockStates {
	return &blockStates{
		current: make(map[uint64]BlockState),
		history: make(map[uint64][]BlockState),
	}
}

func (b *blockStates) move(number uint64, to BlockState) error {
	from, ok := b.current[number]
	if !ok {
		from = Unverified
		b.history[number] = []BlockState{Unverified}
	}
	next, err := from.Transition(to)
	if err != nil {
		return errors.Wrapf(err, "block %d", number)
	}
	b.current[number] = next
	b.history[number] = append(b.history[number], next)
	return nil
}

func (b *blockStates) get(number uint64) BlockState {
	return b.current[number]
}
