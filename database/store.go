package database

import (
	"context"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type tableWriter func(tx *gorm.DB, b *Bundle) error

var tableWriters = map[string]tableWriter{
	BlocksTable: func(tx *gorm.DB, b *Bundle) error {
		return upsert(tx, []*Block{b.Block}, "number")
	},
	TransactionsTable: func(tx *gorm.DB, b *Bundle) error {
		return upsert(tx, b.Transactions, "hash")
	},
	ReceiptsTable: func(tx *gorm.DB, b *Bundle) error {
		return upsert(tx, b.Receipts, "transaction_hash")
	},
	AddressesTable: func(tx *gorm.DB, b *Bundle) error {
		return upsertAddresses(tx, b.Addresses)
	},
	ContractsTable: func(tx *gorm.DB, b *Bundle) error {
		return upsert(tx, b.Contracts, "address")
	},
	TokensTable: func(tx *gorm.DB, b *Bundle) error {
		return upsert(tx, b.Tokens, "address")
	},
	TokenTransfersTable: func(tx *gorm.DB, b *Bundle) error {
		return upsert(tx, b.TokenTransfers, "transaction_hash", "block_hash", "log_index")
	},
	LogsTable: func(tx *gorm.DB, b *Bundle) error {
		return upsert(tx, b.Logs, "transaction_hash", "block_hash", "log_index")
	},
}

// Store is the PostgreSQL backed storage of decoded blocks.
type Store struct {
	db    *gorm.DB
	order []string
}

func NewStore(db *gorm.DB, order []string) *Store {
	return &Store{db: db, order: order}
}

// SaveBundles writes the bundles in one database transaction, each bundle in
// table order. A stored block with the same number but another hash is
// deleted first together with everything that references it. The checkpoint,
// when given, is updated in the same transaction.
func (s *Store) SaveBundles(ctx context.Context, bundles []*Bundle, checkpoint *Checkpoint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, b := range bundles {
			if err := s.saveBundle(tx, b); err != nil {
				return errors.Wrapf(err, "block %d", b.Number())
			}
		}

		if checkpoint != nil {
			return UpdateState(tx, checkpoint)
		}
		return nil
	})
}

func (s *Store) saveBundle(tx *gorm.DB, b *Bundle) error {
	if err := supersede(tx, b.Block); err != nil {
		return err
	}

	for _, table := range s.order {
		if err := tableWriters[table](tx, b); err != nil {
			return errors.Wrapf(err, "write %s", table)
		}
	}
	return nil
}

func supersede(tx *gorm.DB, block *Block) error {
	var stored []Block
	err := tx.Select("number", "hash").Where("number = ?", block.Number).Limit(1).Find(&stored).Error
	if err != nil {
		return errors.Wrap(err, "read stored block")
	}
	if len(stored) == 0 || stored[0].Hash == block.Hash {
		return nil
	}

	err = tx.Where("number = ?", block.Number).Delete(&Block{}).Error
	return errors.Wrap(err, "delete superseded block")
}

func upsert[T any](tx *gorm.DB, rows []T, keys ...string) error {
	if len(rows) == 0 {
		return nil
	}

	return tx.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   keyColumns(keys),
		UpdateAll: true,
	}).Create(&rows).Error
}

var addressUpdateColumns = []string{
	"balance", "nonce", "transaction_count", "contract_code", "is_contract", "block_number", "last_updated",
}

// upsertAddresses never lets a row seen at an older block overwrite a newer one.
func upsertAddresses(tx *gorm.DB, rows []*Address) error {
	rows = latestAddresses(rows)
	if len(rows) == 0 {
		return nil
	}

	return tx.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   keyColumns([]string{"address"}),
		DoUpdates: clause.AssignmentColumns(addressUpdateColumns),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "excluded.block_number >= " + AddressesTable + ".block_number"},
		}},
	}).Create(&rows).Error
}

// latestAddresses keeps one row per address and sorts by address so that
// concurrent writers take row locks in the same order.
func latestAddresses(rows []*Address) []*Address {
	byAddress := make(map[string]*Address, len(rows))
	for _, row := range rows {
		if prev, ok := byAddress[row.Address]; !ok || row.BlockNumber >= prev.BlockNumber {
			byAddress[row.Address] = row
		}
	}

	out := make([]*Address, 0, len(byAddress))
	for _, row := range byAddress {
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b *Address) int {
		return strings.Compare(a.Address, b.Address)
	})
	return out
}

func keyColumns(keys []string) []clause.Column {
	columns := make([]clause.Column, len(keys))
	for i, k := range keys {
		columns[i] = clause.Column{Name: k}
	}
	return columns
}

// DeleteBlocks deletes the blocks and, through cascading foreign keys, every
// row that references them.
func (s *Store) DeleteBlocks(ctx context.Context, numbers []uint64) error {
	if len(numbers) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Where("number IN ?", numbers).Delete(&Block{}).Error
	return errors.Wrap(err, "DeleteBlocks")
}

// BlockHash returns the stored hash of a block and whether it is stored.
func (s *Store) BlockHash(ctx context.Context, number uint64) (string, bool, error) {
	var blocks []Block
	err := s.db.WithContext(ctx).Select("number", "hash").Where("number = ?", number).Limit(1).Find(&blocks).Error
	if err != nil {
		return "", false, errors.Wrap(err, "BlockHash")
	}
	if len(blocks) == 0 {
		return "", false, nil
	}
	return blocks[0].Hash, true, nil
}

func (s *Store) BlockHashes(ctx context.Context, from, to uint64) (map[uint64]string, error) {
	var blocks []Block
	err := s.db.WithContext(ctx).Select("number", "hash").
		Where("number BETWEEN ? AND ?", from, to).Order("number").Find(&blocks).Error
	if err != nil {
		return nil, errors.Wrap(err, "BlockHashes")
	}

	hashes := make(map[uint64]string, len(blocks))
	for _, b := range blocks {
		hashes[b.Number] = b.Hash
	}
	return hashes, nil
}

// MissingBlockNumbers lists the numbers in [from, to] without a stored block.
func (s *Store) MissingBlockNumbers(ctx context.Context, from, to uint64) ([]uint64, error) {
	var missing []uint64
	err := s.db.WithContext(ctx).Raw(
		`SELECT s.n FROM generate_series(?::bigint, ?::bigint) AS s(n)
		 LEFT JOIN `+BlocksTable+` b ON b.number = s.n
		 WHERE b.number IS NULL ORDER BY s.n`,
		from, to,
	).Scan(&missing).Error
	if err != nil {
		return nil, errors.Wrap(err, "MissingBlockNumbers")
	}
	return missing, nil
}

func (s *Store) State(ctx context.Context, name string) (*State, error) {
	return FetchState(ctx, s.db, name)
}

// CountByBlock counts the rows of a table referencing the given block.
func (s *Store) CountByBlock(ctx context.Context, table string, number uint64) (int64, error) {
	entity, ok := tableEntities[table]
	if !ok {
		return 0, errors.Errorf("unknown table %q", table)
	}
	query := s.db.WithContext(ctx).Model(entity)
	switch table {
	case BlocksTable:
		query = query.Where("number = ?", number)
	case TokensTable:
		query = query.Where("address IN (?)",
			s.db.Model(&Contract{}).Select("address").Where("block_number = ?", number))
	default:
		query = query.Where("block_number = ?", number)
	}

	var count int64
	err := query.Count(&count).Error
	return count, err
}
