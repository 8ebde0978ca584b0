package indexer

import (
	"context"
	"eth-indexer/boff"
	"eth-indexer/config"
	"eth-indexer/logger"
	"fmt"
	"iter"
	"strings"

	"github.com/pkg/errors"
)

type Mode string

const (
	ModeAll    Mode = "index_all"
	ModeLast   Mode = "index_last"
	ModeLive   Mode = "index_live"
	ModeVerify Mode = "verify"
)

// Checkpoint state names.
const (
	CheckpointAll  = "index_all"
	CheckpointLive = "index_live"
)

var Modes = []Mode{ModeLive, ModeLast, ModeAll, ModeVerify}

func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	names := make([]string, len(Modes))
	for i, m := range Modes {
		names[i] = string(m)
	}
	return "", errors.Errorf("unknown mode %q, expected one of %s", s, strings.Join(names, ", "))
}

// Plan is the inclusive range of block numbers a mode works on.
type Plan struct {
	Mode       Mode
	From       uint64
	To         uint64
	Empty      bool
	Checkpoint string
	Resumed    bool
}

// Numbers yields the planned numbers in ascending order, lazily.
func (p *Plan) Numbers() iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		if p.Empty {
			return
		}
		for n := p.From; ; n++ {
			if !yield(n) || n == p.To {
				return
			}
		}
	}
}

func (p *Plan) Len() uint64 {
	if p.Empty {
		return 0
	}
	return p.To - p.From + 1
}

func (p *Plan) String() string {
	if p.Empty {
		return fmt.Sprintf("%s: nothing to do", p.Mode)
	}
	return fmt.Sprintf("%s: blocks %d to %d", p.Mode, p.From, p.To)
}

// Planner turns a mode and the configured range into a Plan.
type Planner struct {
	source Source
	store  Store
	params config.IndexerConfig
}

func NewPlanner(source Source, store Store, params config.IndexerConfig) *Planner {
	return &Planner{source: source, store: store, params: params}
}

// Plan computes the range of mode. lastN is only used by index_last.
func (p *Planner) Plan(ctx context.Context, mode Mode, lastN uint64) (*Plan, error) {
	if mode == ModeLive {
		return &Plan{Mode: mode, Empty: true, Checkpoint: CheckpointLive}, nil
	}

	head, err := boff.Retry(ctx, func() (uint64, error) {
		return p.source.BlockNumber(ctx)
	}, "BlockNumber", boff.Policy{MaxTries: uint(max(p.params.FetchMaxRetries, 1))})
	if err != nil {
		return nil, errors.Wrap(err, "chain head")
	}

	switch mode {
	case ModeLast:
		if lastN == 0 {
			return &Plan{Mode: mode, Empty: true}, nil
		}
		from := uint64(0)
		if lastN <= head {
			from = head - lastN + 1
		}
		return &Plan{Mode: mode, From: from, To: head}, nil

	case ModeVerify:
		plan := p.configuredRange(mode, head)
		return plan, nil

	case ModeAll:
		plan := p.configuredRange(mode, head)
		plan.Checkpoint = CheckpointAll
		if plan.Empty {
			return plan, nil
		}
		if err := p.resume(ctx, plan); err != nil {
			return nil, err
		}
		return plan, nil

	default:
		return nil, errors.Errorf("mode %q has no plan", mode)
	}
}

func (p *Planner) configuredRange(mode Mode, head uint64) *Plan {
	plan := &Plan{Mode: mode, From: p.params.StartBlock, To: head}
	if p.params.EndBlock != config.EndBlockHead {
		end := uint64(p.params.EndBlock)
		if end > head {
			logger.Warn("End block %d is above the chain head %d, stopping at the head", end, head)
		} else {
			plan.To = end
		}
	}
	if plan.From > plan.To {
		plan.Empty = true
	}
	return plan
}

// resume moves the start of an index_all plan past the stored high-water mark
// when the checkpointed block is still the one stored.
func (p *Planner) resume(ctx context.Context, plan *Plan) error {
	state, err := p.store.State(ctx, CheckpointAll)
	if err != nil {
		return errors.Wrap(err, "read checkpoint")
	}
	if state == nil || state.Index < plan.From || state.Index > plan.To {
		return nil
	}

	stored, ok, err := p.store.BlockHash(ctx, state.Index)
	if err != nil {
		return errors.Wrap(err, "read checkpoint block")
	}
	if !ok || stored != state.BlockHash {
		logger.Warn("Checkpoint at block %d does not match the stored block, indexing from %d", state.Index, plan.From)
		return nil
	}

	plan.Resumed = true
	if state.Index == plan.To {
		plan.Empty = true
		return nil
	}
	plan.From = state.Index + 1
	return nil
}
