package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	jerrors "github.com/juju/errors"
	"github.com/zeebo/blake3"

	"github.com/zhukovaskychina/xkv/logger"
	"github.com/zhukovaskychina/xkv/server/conf"
	"github.com/zhukovaskychina/xkv/server/innodb/storage"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/journal"
	"github.com/zhukovaskychina/xkv/util"
)

// CLI 命令行定义
var CLI struct {
	Config   string `name:"config" short:"c" help:"Configuration file, INI (my.ini style) or .toml" type:"path"`
	DataDir  string `name:"data-dir" short:"d" help:"Overrides data_dir from the configuration" type:"path"`
	LogLevel string `name:"log-level" help:"Overrides log_level (debug, info, warn, error)"`

	Recover RecoverCmd `cmd:"" help:"Open the environment, replay its journals and report what was recovered"`
	Ship    ShipCmd    `cmd:"" help:"Write the committed records of one journal as shipping frames"`
	Stats   StatsCmd   `cmd:"" help:"Print environment statistics"`
}

func loadConfig() (*conf.Cfg, error) {
	cfg := conf.NewCfg()
	if CLI.Config != "" {
		if _, err := cfg.Load(CLI.Config); err != nil {
			return nil, jerrors.Annotatef(err, "load %s", CLI.Config)
		}
	}
	if CLI.DataDir != "" {
		cfg.DataDir = CLI.DataDir
	}
	if CLI.LogLevel != "" {
		cfg.LogLevel = CLI.LogLevel
	}
	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	}); err != nil {
		return nil, jerrors.Trace(err)
	}
	return cfg, cfg.Validate()
}

// RecoverCmd 恢复命令
type RecoverCmd struct {
	Apply bool `name:"apply" help:"Apply the recovered journals to the data file before closing"`
}

func (c *RecoverCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := storage.Open(cfg)
	if err != nil {
		return jerrors.Annotatef(err, "open %s", cfg.DataDir)
	}
	defer env.Close()

	rs := env.RecoveryStats()
	fmt.Printf("journals:  %d\n", rs.Journals)
	fmt.Printf("replayed:  %d\n", rs.Replayed)
	fmt.Printf("skipped:   %d\n", rs.Skipped)
	if rs.Stopped != nil {
		fmt.Printf("stopped:   %s at tx %d (%s)\n", rs.Stopped.Kind, rs.Stopped.TransactionID, rs.Stopped.Message)
	}
	if len(rs.Discarded) > 0 {
		fmt.Printf("discarded: %v\n", rs.Discarded)
	}

	if c.Apply {
		result, err := env.ApplyLogsToDataFile()
		if err != nil {
			return jerrors.Trace(err)
		}
		fmt.Printf("applied:   %d pages up to tx %d in %s\n", result.PagesWritten, result.LastSyncedTransactionID, result.Duration)
	}
	return jerrors.Trace(env.Close())
}

// ShipCmd 日志传输命令
//
// Each frame is the 48 byte record header, the checksum of the previous record and the
// compressed payload, as read from the journal.
type ShipCmd struct {
	Journal    int64  `arg:"" help:"Journal number"`
	LastSynced int64  `name:"last-synced" help:"Skip transactions up to and including this id"`
	Output     string `name:"output" short:"o" help:"Frame file, stdout when empty" type:"path"`
}

func (c *ShipCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.DataDir, storage.JournalDirName, util.NumberedFileName(c.Journal, storage.JournalSuffix))
	exists, err := util.PathExists(path)
	if err != nil {
		return jerrors.Trace(err)
	}
	if !exists {
		return jerrors.NotFoundf("journal %d in %s", c.Journal, cfg.DataDir)
	}

	var out io.Writer = os.Stdout
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return jerrors.Trace(err)
		}
		defer f.Close()
		out = f
	}

	shipment, err := storage.OpenJournalShipment(path, c.Journal, c.LastSynced)
	if err != nil {
		return jerrors.Trace(err)
	}
	defer shipment.Close()

	digest := blake3.New()
	w := io.MultiWriter(out, digest)
	frame := make([]byte, journal.TransactionHeaderSize+4)
	count, size := 0, 0
	for shipment.Next() {
		tx := shipment.Transaction()
		journal.EncodeHeader(&tx.Header, frame)
		binary.LittleEndian.PutUint32(frame[journal.TransactionHeaderSize:], tx.PreviousTransactionCrc)
		if _, err := w.Write(frame); err != nil {
			return jerrors.Trace(err)
		}
		if _, err := w.Write(tx.CompressedData); err != nil {
			return jerrors.Trace(err)
		}
		count++
		size += len(frame) + len(tx.CompressedData)
	}
	if err := shipment.Err(); err != nil {
		logger.Warnf("shipping journal %d stopped early: %v", c.Journal, err)
	}

	fmt.Fprintf(os.Stderr, "shipped %d transactions, %s, blake3 %s\n",
		count, humanize.IBytes(uint64(size)), hex.EncodeToString(digest.Sum(nil)))
	return nil
}

// StatsCmd 统计命令
type StatsCmd struct{}

func (c *StatsCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := storage.Open(cfg)
	if err != nil {
		return jerrors.Annotatef(err, "open %s", cfg.DataDir)
	}
	defer env.Close()

	s, err := env.Stats()
	if err != nil {
		return jerrors.Trace(err)
	}
	fmt.Printf("data file:        %s allocated, %s used\n",
		humanize.IBytes(uint64(s.AllocatedDataFileSizeInBytes)), humanize.IBytes(uint64(s.UsedDataFileSizeInBytes)))
	fmt.Printf("scratch:          %s of %s pages\n", humanize.Comma(s.ScratchUsedPages), humanize.Comma(s.ScratchAllocatedPages))
	fmt.Printf("journals:         %d (current %d at page %d)\n", s.JournalCount, s.CurrentJournal, s.JournalWritePage)
	fmt.Printf("tracked pages:    %s (%s reclaimable)\n", humanize.Comma(int64(s.TrackedPages)), humanize.Comma(int64(s.ReclaimablePages)))
	fmt.Printf("transactions:     last committed %d, last synced %d, oldest active %d\n",
		s.LastCommittedTxID, s.LastSyncedTxID, s.OldestActiveTxID)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("xkv"),
		kong.Description("Journal recovery, shipping and statistics for an xkv environment."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, jerrors.ErrorStack(err))
		os.Exit(1)
	}
}
