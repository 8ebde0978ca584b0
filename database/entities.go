package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Table names, also the vocabulary of POSTGRES_CREATE_TABLE_ORDER.
const (
	BlocksTable         = "blocks"
	TransactionsTable   = "transactions"
	ReceiptsTable       = "transactions_receipts"
	AddressesTable      = "addresses"
	ContractsTable      = "contracts"
	TokensTable         = "tokens"
	TokenTransfersTable = "token_transfers"
	LogsTable           = "logs"
)

type Block struct {
	Number            uint64          `gorm:"primaryKey;autoIncrement:false"`
	Hash              string          `gorm:"type:varchar(66);uniqueIndex;not null"`
	ParentHash        string          `gorm:"type:varchar(66);index;not null"`
	Nonce             string          `gorm:"type:varchar(18)"`
	Sha3Uncles        string          `gorm:"type:varchar(66)"`
	LogsBloom         string          `gorm:"type:text"`
	TransactionsRoot  string          `gorm:"type:varchar(66)"`
	StateRoot         string          `gorm:"type:varchar(66)"`
	ReceiptsRoot      string          `gorm:"type:varchar(66)"`
	Miner             string          `gorm:"type:varchar(42)"`
	Difficulty        decimal.Decimal `gorm:"type:numeric"`
	Size              uint64
	ExtraData         string           `gorm:"type:text"`
	GasLimit          decimal.Decimal  `gorm:"type:numeric"`
	GasUsed           decimal.Decimal  `gorm:"type:numeric"`
	BaseFeePerGas     *decimal.Decimal `gorm:"type:numeric"`
	Timestamp         uint64           `gorm:"index"`
	TransactionsCount int
	UnclesCount       int
	InsertedAt        time.Time `gorm:"autoCreateTime"`
	LastUpdated       time.Time `gorm:"autoUpdateTime"`
}

func (Block) TableName() string { return BlocksTable }

type Transaction struct {
	Hash                 string           `gorm:"primaryKey;type:varchar(66)"`
	BlockNumber          uint64           `gorm:"index;not null"`
	Block                *Block           `gorm:"foreignKey:BlockNumber;references:Number;constraint:OnDelete:CASCADE"`
	BlockHash            string           `gorm:"type:varchar(66);not null"`
	TransactionIndex     uint64           `gorm:"not null"`
	From                 string           `gorm:"type:varchar(42);index;not null"`
	To                   *string          `gorm:"type:varchar(42);index"`
	Value                decimal.Decimal  `gorm:"type:numeric"`
	Gas                  decimal.Decimal  `gorm:"type:numeric"`
	GasPrice             *decimal.Decimal `gorm:"type:numeric"`
	MaxFeePerGas         *decimal.Decimal `gorm:"type:numeric"`
	MaxPriorityFeePerGas *decimal.Decimal `gorm:"type:numeric"`
	Nonce                uint64
	Input                string `gorm:"type:text"`
	Type                 uint8
	ChainID              *decimal.Decimal `gorm:"type:numeric"`
	V                    string           `gorm:"type:varchar(80)"`
	R                    string           `gorm:"type:varchar(80)"`
	S                    string           `gorm:"type:varchar(80)"`
	LastUpdated          time.Time        `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return TransactionsTable }

type TransactionReceipt struct {
	TransactionHash   string           `gorm:"primaryKey;type:varchar(66)"`
	Transaction       *Transaction     `gorm:"foreignKey:TransactionHash;references:Hash;constraint:OnDelete:CASCADE"`
	BlockNumber       uint64           `gorm:"index;not null"`
	Block             *Block           `gorm:"foreignKey:BlockNumber;references:Number;constraint:OnDelete:CASCADE"`
	BlockHash         string           `gorm:"type:varchar(66);not null"`
	TransactionIndex  uint64           `gorm:"not null"`
	From              string           `gorm:"type:varchar(42)"`
	To                *string          `gorm:"type:varchar(42)"`
	CumulativeGasUsed decimal.Decimal  `gorm:"type:numeric"`
	GasUsed           decimal.Decimal  `gorm:"type:numeric"`
	EffectiveGasPrice *decimal.Decimal `gorm:"type:numeric"`
	ContractAddress   *string          `gorm:"type:varchar(42);index"`
	LogsBloom         string           `gorm:"type:text"`
	LogsCount         int
	Status            uint64
	Type              uint8
	LastUpdated       time.Time `gorm:"autoUpdateTime"`
}

func (TransactionReceipt) TableName() string { return ReceiptsTable }

type Address struct {
	Address          string          `gorm:"primaryKey;type:varchar(42)"`
	Balance          decimal.Decimal `gorm:"type:numeric"`
	Nonce            uint64
	TransactionCount uint64
	ContractCode     string `gorm:"type:text"`
	IsContract       bool
	BlockNumber      uint64    `gorm:"index;not null"`
	Block            *Block    `gorm:"foreignKey:BlockNumber;references:Number;constraint:OnDelete:CASCADE"`
	LastUpdated      time.Time `gorm:"autoUpdateTime"`
}

func (Address) TableName() string { return AddressesTable }

type Contract struct {
	Address              string       `gorm:"primaryKey;type:varchar(42)"`
	BlockNumber          uint64       `gorm:"index;not null"`
	Block                *Block       `gorm:"foreignKey:BlockNumber;references:Number;constraint:OnDelete:CASCADE"`
	TransactionHash      string       `gorm:"type:varchar(66);index;not null"`
	Transaction          *Transaction `gorm:"foreignKey:TransactionHash;references:Hash;constraint:OnDelete:CASCADE"`
	CreatorAddress       string       `gorm:"type:varchar(42);index"`
	Bytecode             string       `gorm:"type:text"`
	ContractType         string       `gorm:"type:varchar(16)"`
	ContractName         string       `gorm:"type:varchar(256)"`
	ABI                  string       `gorm:"column:abi;type:text"`
	SourceCode           string       `gorm:"type:text"`
	CompilerVersion      string       `gorm:"type:varchar(128)"`
	EVMVersion           string       `gorm:"column:evm_version;type:varchar(32)"`
	OptimizationUsed     bool
	IsProxy              bool
	ConstructorArguments string    `gorm:"type:text"`
	FileName             string    `gorm:"type:varchar(256)"`
	LastUpdated          time.Time `gorm:"autoUpdateTime"`
}

func (Contract) TableName() string { return ContractsTable }

type Token struct {
	Address                   string    `gorm:"primaryKey;type:varchar(42)"`
	Contract                  *Contract `gorm:"foreignKey:Address;references:Address;constraint:OnDelete:CASCADE"`
	Type                      string    `gorm:"type:varchar(16);not null"`
	Name                      string    `gorm:"type:varchar(256)"`
	Symbol                    string    `gorm:"type:varchar(64)"`
	Decimals                  *uint8
	TotalSupply               *decimal.Decimal `gorm:"type:numeric"`
	TotalSupplyUpdatedAtBlock uint64
	HolderCount               uint64
	LastUpdated               time.Time `gorm:"autoUpdateTime"`
}

func (Token) TableName() string { return TokensTable }

type TokenTransfer struct {
	TransactionHash string           `gorm:"primaryKey;type:varchar(66)"`
	Transaction     *Transaction     `gorm:"foreignKey:TransactionHash;references:Hash;constraint:OnDelete:CASCADE"`
	BlockHash       string           `gorm:"primaryKey;type:varchar(66)"`
	LogIndex        uint64           `gorm:"primaryKey;autoIncrement:false"`
	BlockNumber     uint64           `gorm:"index;not null"`
	Block           *Block           `gorm:"foreignKey:BlockNumber;references:Number;constraint:OnDelete:CASCADE"`
	ContractAddress string           `gorm:"type:varchar(42);index;not null"`
	From            string           `gorm:"type:varchar(42);index;not null"`
	To              string           `gorm:"type:varchar(42);index;not null"`
	Amount          decimal.Decimal  `gorm:"type:numeric"`
	TokenID         *decimal.Decimal `gorm:"type:numeric"`
	Standard        string           `gorm:"type:varchar(16)"`
	LastUpdated     time.Time        `gorm:"autoUpdateTime"`
}

func (TokenTransfer) TableName() string { return TokenTransfersTable }

type Log struct {
	TransactionHash string       `gorm:"primaryKey;type:varchar(66)"`
	Transaction     *Transaction `gorm:"foreignKey:TransactionHash;references:Hash;constraint:OnDelete:CASCADE"`
	BlockHash       string       `gorm:"primaryKey;type:varchar(66)"`
	LogIndex        uint64       `gorm:"primaryKey;autoIncrement:false"`
	BlockNumber     uint64       `gorm:"index;not null"`
	Block           *Block       `gorm:"foreignKey:BlockNumber;references:Number;constraint:OnDelete:CASCADE"`
	Address         string       `gorm:"type:varchar(42);index;not null"`
	Data            string       `gorm:"type:text"`
	Topic0          string       `gorm:"type:varchar(66);index"`
	Topic1          string       `gorm:"type:varchar(66)"`
	Topic2          string       `gorm:"type:varchar(66)"`
	Topic3          string       `gorm:"type:varchar(66)"`
	Removed         bool
	LastUpdated     time.Time `gorm:"autoUpdateTime"`
}

func (Log) TableName() string { return LogsTable }

// Configuration holds the schema version the tables were created with.
type Configuration struct {
	ID      uint64 `gorm:"primaryKey"`
	Version string `gorm:"type:varchar(64);not null"`
	Updated time.Time
}

func (Configuration) TableName() string { return "configuration" }

// Bundle is everything decoded from one block. It is written as one unit.
type Bundle struct {
	Block          *Block
	Transactions   []*Transaction
	Receipts       []*TransactionReceipt
	Addresses      []*Address
	Contracts      []*Contract
	Tokens         []*Token
	TokenTransfers []*TokenTransfer
	Logs           []*Log
}

func (b *Bundle) Number() uint64 {
	return b.Block.Number
}
