package vectorbase

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/heroiclabs/vectorbase/internal/flags"
)

// IOMode selects how segment files are accessed. Mmap is the only mode
// this implementation supports; FileIo is recognized so a loaded config
// naming it fails fast with a clear error instead of silently behaving
// like Mmap.
type IOMode string

const (
	IOModeMmap   IOMode = "mmap"
	IOModeFileIo IOMode = "file_io"
)

// Config is a collection's tunable parameters: a plain struct with yaml
// tags, loadable from a YAML file and overridable by command-line flags
// generated through internal/flags.
type Config struct {
	DataPath       string `yaml:"data_path" json:"data_path" usage:"Directory under which the collection's files are stored."`
	CollectionName string `yaml:"collection_name" json:"collection_name" usage:"Name of the collection; also its subdirectory under data_path."`
	IOMode         string `yaml:"io_mode" json:"io_mode" usage:"Segment file access mode: mmap (the only mode currently implemented)."`
	WalFileSize    int64  `yaml:"wal_file_size" json:"wal_file_size" usage:"Fixed byte size of the mem/imm write-ahead log files."`
	HNSWM          int    `yaml:"hnsw_m" json:"hnsw_m" usage:"HNSW graph degree M at upper layers (M0 = 2*M, ef_construction = 400)."`
}

// NewConfig returns a Config populated with the store's defaults.
func NewConfig() *Config {
	return &Config{
		DataPath:       "./data",
		CollectionName: "my_vector",
		IOMode:         string(IOModeMmap),
		WalFileSize:    2 * 1024 * 1024,
		HNSWM:          32,
	}
}

// ParseArgs layers a Config over NewConfig's defaults: an optional
// --config <path> YAML file first, then command-line flag overrides.
func ParseArgs(logger *zap.Logger, args []string) *Config {
	cfg := NewConfig()

	rest := args[1:]
	if len(args) > 2 && args[1] == "--config" {
		data, err := os.ReadFile(args[2])
		if err != nil {
			logger.Error("could not read config file, using defaults", zap.Error(err))
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			logger.Error("could not parse config file, using defaults", zap.Error(err))
		}
		rest = args[3:]
	}

	fm := flags.NewFlagMakerAdv(&flags.FlagMakingOptions{
		UseLowerCase: true,
		Flatten:      true,
		TagName:      "yaml",
		TagUsage:     "usage",
	})
	if _, err := fm.ParseArgs(cfg, rest); err != nil {
		logger.Error("could not parse command line arguments, ignoring overrides", zap.Error(err))
	}
	return cfg
}

// Validate checks the config for values the store cannot act on.
func (c *Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("vectorbase: config: data_path is required")
	}
	if IOMode(c.IOMode) != IOModeMmap {
		return fmt.Errorf("vectorbase: config: io_mode %q not implemented, only %q", c.IOMode, IOModeMmap)
	}
	if c.WalFileSize <= 0 {
		return fmt.Errorf("vectorbase: config: wal_file_size must be positive")
	}
	if c.HNSWM < 2 {
		return fmt.Errorf("vectorbase: config: hnsw_m must be >= 2")
	}
	return nil
}
