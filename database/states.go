package database

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BaseEntity is an abstract entity for tables with a surrogate key.
type BaseEntity struct {
	ID uint64 `gorm:"primaryKey"`
}

// State is a named high-water-mark: the highest block of a contiguous run that
// is fully stored, together with its hash so a resumed run can check it.
type State struct {
	BaseEntity
	Name           string `gorm:"type:varchar(50);uniqueIndex;not null"`
	Index          uint64
	BlockHash      string `gorm:"type:varchar(66)"`
	BlockTimestamp uint64
	Updated        time.Time
}

// Checkpoint is a state update carried by a write.
type Checkpoint struct {
	Name           string
	Index          uint64
	BlockHash      string
	BlockTimestamp uint64
}

func (c *Checkpoint) state() *State {
	return &State{
		Name:           c.Name,
		Index:          c.Index,
		BlockHash:      c.BlockHash,
		BlockTimestamp: c.BlockTimestamp,
		Updated:        time.Now(),
	}
}

// FetchState returns the state with the given name or nil if it was never
// written.
func FetchState(ctx context.Context, db *gorm.DB, name string) (*State, error) {
	var state State
	err := db.WithContext(ctx).Where(&State{Name: name}).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "FetchState")
	}
	return &state, nil
}

// UpdateState upserts the state row named by the checkpoint.
func UpdateState(db *gorm.DB, checkpoint *Checkpoint) error {
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"index", "block_hash", "block_timestamp", "updated"}),
	}).Create(checkpoint.state()).Error
	if err != nil {
		return errors.Wrap(err, "UpdateState")
	}
	return nil
}
