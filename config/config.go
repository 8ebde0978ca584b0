package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DefaultCreateTableOrder = "blocks,transactions,transactions_receipts,addresses,contracts,tokens,token_transfers,logs"
	// EndBlockHead makes index_all and verify run up to the chain head at planning time.
	EndBlockHead int64 = -1
)

var (
	GlobalConfigCallback ConfigCallback[GlobalConfig] = ConfigCallback[GlobalConfig]{}
	CfgFlag                                           = flag.String("config", "config.toml", "Configuration file (toml format)")
	EnvFlag                                           = flag.String("env", ".env", "Optional dotenv file loaded before reading the environment")

	validate = validator.New(validator.WithRequiredStructEnabled())
)

type GlobalConfig interface {
	LoggerConfig() LoggerConfig
}

type Config struct {
	DB         DBConfig         `toml:"db"`
	Logger     LoggerConfig     `toml:"logger"`
	Chain      ChainConfig      `toml:"chain"`
	Indexer    IndexerConfig    `toml:"indexer"`
	Blockscout BlockscoutConfig `toml:"blockscout"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

type LoggerConfig struct {
	Level          string `toml:"level" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=DEBUG INFO WARN ERROR DPANIC PANIC FATAL"`
	File           string `toml:"file"`
	FileFormat     string `toml:"file_format" validate:"omitempty,oneof=console json"`
	MaxFileSize    int    `toml:"max_file_size"` // In megabytes
	MaxFileBackups int    `toml:"max_file_backups"`
	Console        bool   `toml:"console"`
}

type DBConfig struct {
	Host             string `toml:"host" envconfig:"POSTGRES_HOST" validate:"required"`
	Port             int    `toml:"port" envconfig:"POSTGRES_PORT" validate:"gt=0,lt=65536"`
	Database         string `toml:"database" envconfig:"POSTGRES_DATABASE" validate:"required"`
	Username         string `toml:"username" envconfig:"POSTGRES_USER" validate:"required"`
	Password         string `toml:"password" envconfig:"POSTGRES_PASSWORD"`
	SSLMode          string `toml:"ssl_mode" envconfig:"POSTGRES_SSL_MODE"`
	CreateTableOrder string `toml:"create_table_order" envconfig:"POSTGRES_CREATE_TABLE_ORDER" validate:"required"`
	NbOfConnections  int    `toml:"nb_of_connections" envconfig:"NB_OF_DB_CONNECTIONS" validate:"gte=1"`
	Version          string `toml:"version" envconfig:"VERSION" validate:"required"`
	LogQueries       bool   `toml:"log_queries"`
	DropTableAtStart bool   `toml:"drop_table_at_start"`
}

type ChainConfig struct {
	HTTPURL           string `toml:"http_url" envconfig:"HTTP_RPC_ENDPOINT" validate:"omitempty,url"`
	WSURL             string `toml:"ws_url" envconfig:"WS_RPC_ENDPOINT" validate:"omitempty,url"`
	NbOfWSConnections int    `toml:"nb_of_ws_connections" envconfig:"NB_OF_WS_CONNECTIONS" validate:"gte=1"`
	RPCConcurrency    int    `toml:"rpc_concurrency" envconfig:"RPC_CONCURRENCY" validate:"gte=1"`
	TimeoutMillis     int    `toml:"timeout_millis" validate:"gt=0"`

	// Polling interval for new heads when no websocket endpoint is configured.
	NewBlockCheckMillis int `toml:"new_block_check_millis" validate:"gt=0"`
}

type IndexerConfig struct {
	StartBlock        uint64 `toml:"start_block" envconfig:"START_BLOCK"`
	EndBlock          int64  `toml:"end_block" envconfig:"END_BLOCK" validate:"gte=-1"`
	MaxConcurrency    int    `toml:"max_concurrency" envconfig:"MAX_CONCURRENCY" validate:"gte=1"`
	BatchSize         int    `toml:"batch_size" envconfig:"BATCH_SIZE" validate:"gte=1"`
	QueueBufferFactor int    `toml:"queue_buffer_factor" envconfig:"QUEUE_BUFFER_FACTOR" validate:"gte=1"`
	FetchMaxRetries   int    `toml:"fetch_max_retries" validate:"gte=1"`
	WriteMaxRetries   int    `toml:"write_max_retries" validate:"gte=1"`
	MaxReorgDepth     int    `toml:"max_reorg_depth" validate:"gte=1"`
	IndexAddresses    bool   `toml:"index_addresses"`
	BackfillOnLive    bool   `toml:"backfill_on_live"`
	LogEvery          uint64 `toml:"log_every"`
}

type BlockscoutConfig struct {
	Endpoint      string `toml:"endpoint" envconfig:"BLOCKSCOUT_ENDPOINT" validate:"omitempty,url"`
	APIKey        string `toml:"api_key" envconfig:"BLOCKSCOUT_API_KEY"`
	TimeoutMillis int    `toml:"timeout_millis" validate:"gt=0"`
}

type MetricsConfig struct {
	Address string `toml:"address" envconfig:"METRICS_ADDRESS"`
}

func newConfig() *Config {
	return &Config{
		DB: DBConfig{
			Host:             "localhost",
			Port:             5432,
			SSLMode:          "disable",
			CreateTableOrder: DefaultCreateTableOrder,
			NbOfConnections:  1,
			Version:          "1",
		},
		Logger: LoggerConfig{
			Level:          "INFO",
			FileFormat:     "console",
			MaxFileSize:    10,
			MaxFileBackups: 5,
			Console:        true,
		},
		Chain: ChainConfig{
			NbOfWSConnections:   1,
			TimeoutMillis:       10000,
			NewBlockCheckMillis: 1000,
		},
		Indexer: IndexerConfig{
			EndBlock:          EndBlockHead,
			MaxConcurrency:    100,
			BatchSize:         50,
			QueueBufferFactor: 128,
			FetchMaxRetries:   10,
			WriteMaxRetries:   5,
			MaxReorgDepth:     64,
			IndexAddresses:    true,
			LogEvery:          1000,
		},
		Blockscout: BlockscoutConfig{
			TimeoutMillis: 10000,
		},
	}
}

// BuildConfig reads the config file named by --config (when it exists), the
// optional dotenv file and the environment, in that order of precedence.
func BuildConfig() (*Config, error) {
	cfg := newConfig()

	if _, err := os.Stat(*CfgFlag); err == nil {
		if err := ParseConfigFile(cfg, *CfgFlag); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error opening config file: %w", err)
	}

	if err := LoadDotEnv(*EnvFlag); err != nil {
		return nil, err
	}

	if err := ReadEnv(cfg); err != nil {
		return nil, err
	}

	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func ParseConfigFile(cfg *Config, fileName string) error {
	content, err := os.ReadFile(fileName)
	if err != nil {
		return fmt.Errorf("error opening config file: %w", err)
	}

	_, err = toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

// LoadDotEnv loads variables from a dotenv file without overriding variables
// already present in the environment. A missing file is not an error.
func LoadDotEnv(fileName string) error {
	if fileName == "" {
		return nil
	}
	if _, err := os.Stat(fileName); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(fileName); err != nil {
		return fmt.Errorf("error loading env file: %w", err)
	}
	return nil
}

func ReadEnv(cfg *Config) error {
	err := envconfig.Process("", cfg)
	if err != nil {
		return fmt.Errorf("error reading env config: %w", err)
	}

	// POSTGRES_DB is the name used by the official postgres images.
	if v, ok := os.LookupEnv("POSTGRES_DB"); ok && os.Getenv("POSTGRES_DATABASE") == "" {
		cfg.DB.Database = v
	}
	return nil
}

func (c *Config) applyDerivedDefaults() {
	if c.Chain.RPCConcurrency == 0 {
		c.Chain.RPCConcurrency = 2 * c.Indexer.MaxConcurrency
	}
	c.Logger.Level = strings.ToUpper(c.Logger.Level)
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Indexer.EndBlock >= 0 && uint64(c.Indexer.EndBlock) < c.Indexer.StartBlock {
		return fmt.Errorf("invalid configuration: end_block %d is before start_block %d",
			c.Indexer.EndBlock, c.Indexer.StartBlock)
	}
	if c.Chain.WSURL == "" && c.Chain.HTTPURL == "" {
		return fmt.Errorf("invalid configuration: no chain endpoint")
	}
	return nil
}

// CreateTableOrderList splits the configured table order into table names.
func (c DBConfig) CreateTableOrderList() []string {
	var tables []string
	for _, t := range strings.Split(c.CreateTableOrder, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tables = append(tables, t)
		}
	}
	return tables
}

func (c ChainConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

func (c ChainConfig) NewBlockCheckInterval() time.Duration {
	return time.Duration(c.NewBlockCheckMillis) * time.Millisecond
}

func (c BlockscoutConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

func (c BlockscoutConfig) Enabled() bool {
	return c.Endpoint != ""
}

// QueueCapacity is the number of blocks the persistence queue may hold.
func (c Config) QueueCapacity() int {
	return c.DB.NbOfConnections * c.Indexer.QueueBufferFactor
}

func (c Config) LoggerConfig() LoggerConfig {
	return c.Logger
}
