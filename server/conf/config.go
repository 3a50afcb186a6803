package conf

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// 压缩算法名称
const (
	CompressionLZ4    = "lz4"
	CompressionSnappy = "snappy"
)

/*
*
[storage]
data_dir          = data
initial_file_size = 256KB

[journal]
max_journal_size       = 64MB
compression            = lz4
ignore_recovery_errors = false
strict_recovery        = false

[logs]
log_error = /var/log/xkv/error.log
log_infos = /var/log/xkv/xkv.log
log_level = info
*/
type Cfg struct {
	// storage
	DataDir         string `default:"data" yaml:"data_dir" json:"data_dir,omitempty"`
	InitialFileSize int64  `default:"262144" yaml:"initial_file_size" json:"initial_file_size,omitempty"`

	// journal
	MaxJournalSize       int64  `default:"67108864" yaml:"max_journal_size" json:"max_journal_size,omitempty"`
	Compression          string `default:"lz4" yaml:"compression" json:"compression,omitempty"`
	IgnoreRecoveryErrors bool   `default:"false" yaml:"ignore_recovery_errors" json:"ignore_recovery_errors,omitempty"`
	StrictRecovery       bool   `default:"false" yaml:"strict_recovery" json:"strict_recovery,omitempty"`

	// logs
	LogError string `default:"" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		DataDir:         "data",
		InitialFileSize: 256 * 1024,
		MaxJournalSize:  64 * 1024 * 1024,
		Compression:     CompressionLZ4,
		LogLevel:        "info",
	}
}

// Load 读取配置文件，.toml 后缀使用TOML，其余按INI解析
func (cfg *Cfg) Load(path string) (*Cfg, error) {
	var err error
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = cfg.loadToml(path)
	} else {
		err = cfg.loadIni(path)
	}
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (cfg *Cfg) loadIni(path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return errors.Wrapf(err, "load ini config %s", path)
	}

	storage := file.Section("storage")
	cfg.DataDir = storage.Key("data_dir").MustString(cfg.DataDir)
	if cfg.InitialFileSize, err = parseSize(storage.Key("initial_file_size").String(), cfg.InitialFileSize); err != nil {
		return errors.Wrap(err, "storage.initial_file_size")
	}

	journal := file.Section("journal")
	if cfg.MaxJournalSize, err = parseSize(journal.Key("max_journal_size").String(), cfg.MaxJournalSize); err != nil {
		return errors.Wrap(err, "journal.max_journal_size")
	}
	cfg.Compression = journal.Key("compression").MustString(cfg.Compression)
	cfg.IgnoreRecoveryErrors = journal.Key("ignore_recovery_errors").MustBool(cfg.IgnoreRecoveryErrors)
	cfg.StrictRecovery = journal.Key("strict_recovery").MustBool(cfg.StrictRecovery)

	logs := file.Section("logs")
	cfg.LogError = logs.Key("log_error").MustString(cfg.LogError)
	cfg.LogInfos = logs.Key("log_infos").MustString(cfg.LogInfos)
	cfg.LogLevel = logs.Key("log_level").MustString(cfg.LogLevel)
	return nil
}

func (cfg *Cfg) loadToml(path string) error {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return errors.Wrapf(err, "load toml config %s", path)
	}

	getString := func(key, def string) string {
		if v, ok := tree.Get(key).(string); ok {
			return v
		}
		return def
	}
	getBool := func(key string, def bool) bool {
		if v, ok := tree.Get(key).(bool); ok {
			return v
		}
		return def
	}
	getSize := func(key string, def int64) (int64, error) {
		switch v := tree.Get(key).(type) {
		case int64:
			return v, nil
		case string:
			return parseSize(v, def)
		case nil:
			return def, nil
		default:
			return 0, fmt.Errorf("unsupported size value %v", v)
		}
	}

	cfg.DataDir = getString("storage.data_dir", cfg.DataDir)
	if cfg.InitialFileSize, err = getSize("storage.initial_file_size", cfg.InitialFileSize); err != nil {
		return errors.Wrap(err, "storage.initial_file_size")
	}
	if cfg.MaxJournalSize, err = getSize("journal.max_journal_size", cfg.MaxJournalSize); err != nil {
		return errors.Wrap(err, "journal.max_journal_size")
	}
	cfg.Compression = getString("journal.compression", cfg.Compression)
	cfg.IgnoreRecoveryErrors = getBool("journal.ignore_recovery_errors", cfg.IgnoreRecoveryErrors)
	cfg.StrictRecovery = getBool("journal.strict_recovery", cfg.StrictRecovery)
	cfg.LogError = getString("logs.log_error", cfg.LogError)
	cfg.LogInfos = getString("logs.log_infos", cfg.LogInfos)
	cfg.LogLevel = getString("logs.log_level", cfg.LogLevel)
	return nil
}

// parseSize 支持纯数字字节数或 64MB 这类写法
func parseSize(value string, def int64) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// Validate 检查配置取值
func (cfg *Cfg) Validate() error {
	if cfg.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if cfg.InitialFileSize <= 0 {
		return errors.Errorf("initial_file_size must be positive, got %d", cfg.InitialFileSize)
	}
	if cfg.MaxJournalSize <= 0 {
		return errors.Errorf("max_journal_size must be positive, got %d", cfg.MaxJournalSize)
	}
	switch strings.ToLower(cfg.Compression) {
	case CompressionLZ4, CompressionSnappy:
		cfg.Compression = strings.ToLower(cfg.Compression)
	default:
		return errors.Errorf("unknown compression %q", cfg.Compression)
	}
	return nil
}
