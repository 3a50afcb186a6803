package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xkv/server/conf"
	"github.com/zhukovaskychina/xkv/server/innodb/manager"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/journal"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xkv/util"
)

func testCfg(t *testing.T) *conf.Cfg {
	cfg := conf.NewCfg()
	cfg.DataDir = t.TempDir()
	cfg.InitialFileSize = 8 * pages.PageSize
	cfg.MaxJournalSize = 1024 * 1024
	return cfg
}

func openEnv(t *testing.T, cfg *conf.Cfg) *Environment {
	t.Helper()
	env, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

// put commits one transaction allocating a page per text and returns their numbers.
func put(t *testing.T, env *Environment, texts ...string) []int64 {
	t.Helper()
	trx, err := env.Begin(false)
	require.NoError(t, err)
	numbers := make([]int64, 0, len(texts))
	for _, text := range texts {
		page, err := trx.AllocatePage(len(text))
		require.NoError(t, err)
		copy(page.Data(), text)
		numbers = append(numbers, page.PageNumber())
	}
	require.NoError(t, env.Commit(trx))
	return numbers
}

// update commits one transaction rewriting the given pages.
func update(t *testing.T, env *Environment, changes map[int64]string) int64 {
	t.Helper()
	trx, err := env.Begin(false)
	require.NoError(t, err)
	for number, text := range changes {
		current, err := env.ReadPage(trx, number)
		require.NoError(t, err)
		page, err := trx.ModifyPage(current)
		require.NoError(t, err)
		clear(page.Data())
		copy(page.Data(), text)
	}
	require.NoError(t, env.Commit(trx))
	return trx.ID()
}

func read(t *testing.T, env *Environment, trx *manager.Transaction, number int64, size int) string {
	t.Helper()
	page, err := env.ReadPage(trx, number)
	require.NoError(t, err)
	assert.Equal(t, number, page.PageNumber())
	return string(page.Data()[:size])
}

func readLatest(t *testing.T, env *Environment, number int64, size int) string {
	t.Helper()
	trx, err := env.Begin(true)
	require.NoError(t, err)
	defer env.Rollback(trx)
	return read(t, env, trx, number, size)
}

func journalFilePath(cfg *conf.Cfg, number int64) string {
	return filepath.Join(cfg.DataDir, JournalDirName, util.NumberedFileName(number, JournalSuffix))
}

func patchJournal(t *testing.T, cfg *conf.Cfg, number int64, offset int64, fn func(b byte) byte) {
	t.Helper()
	f, err := os.OpenFile(journalFilePath(cfg, number), os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, 1)
	_, err = f.ReadAt(b, offset)
	require.NoError(t, err)
	b[0] = fn(b[0])
	_, err = f.WriteAt(b, offset)
	require.NoError(t, err)
}

// markUncommitted clears the commit flag of the record whose header is at headerPage.
func markUncommitted(t *testing.T, cfg *conf.Cfg, number, headerPage int64) {
	patchJournal(t, cfg, number, headerPage*pages.PageSize+44, func(byte) byte { return byte(journal.MarkerStart) })
}

func TestEnvironment_CommitAndRead(t *testing.T) {
	env := openEnv(t, testCfg(t))

	numbers := put(t, env, "alpha", "beta")
	assert.Equal(t, []int64{0, 1}, numbers)

	t.Run("读取已提交页面", func(t *testing.T) {
		assert.Equal(t, "alpha", readLatest(t, env, 0, 5))
		assert.Equal(t, "beta", readLatest(t, env, 1, 4))
	})

	t.Run("写事务读取自己的修改", func(t *testing.T) {
		trx, err := env.Begin(false)
		require.NoError(t, err)
		defer env.Rollback(trx)

		page, err := trx.AllocatePage(3)
		require.NoError(t, err)
		copy(page.Data(), "own")
		assert.Equal(t, "own", read(t, env, trx, page.PageNumber(), 3))
	})

	t.Run("page beyond the last allocated page", func(t *testing.T) {
		trx, err := env.Begin(true)
		require.NoError(t, err)
		defer env.Rollback(trx)
		_, err = env.ReadPage(trx, 2)
		assert.ErrorIs(t, err, ErrPageNumberOutOfBounds)
	})
}

func TestEnvironment_SnapshotIsolation(t *testing.T) {
	env := openEnv(t, testCfg(t))
	put(t, env, "v1")

	reader, err := env.Begin(true)
	require.NoError(t, err)
	defer env.Rollback(reader)

	update(t, env, map[int64]string{0: "v2"})
	update(t, env, map[int64]string{0: "v3"})

	assert.Equal(t, "v1", read(t, env, reader, 0, 2))
	assert.Equal(t, "v3", readLatest(t, env, 0, 2))
}

func TestEnvironment_ReopenReplaysJournal(t *testing.T) {
	cfg := testCfg(t)
	env, err := Open(cfg)
	require.NoError(t, err)

	put(t, env, "first", "second")
	update(t, env, map[int64]string{1: "SECOND"})
	big := string(make([]byte, 3*pages.PageSize))
	overflow := put(t, env, "x"+big[1:])[0]
	before, err := env.Stats()
	require.NoError(t, err)
	require.NoError(t, env.Close())

	env = openEnv(t, cfg)
	rs := env.RecoveryStats()
	assert.Equal(t, 3, rs.Replayed)
	assert.Equal(t, 0, rs.Skipped)
	assert.Nil(t, rs.Stopped)

	after, err := env.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.LastCommittedTxID, after.LastCommittedTxID)
	assert.Equal(t, before.TrackedPages, after.TrackedPages)
	assert.Equal(t, before.UsedDataFileSizeInBytes, after.UsedDataFileSizeInBytes)

	assert.Equal(t, "first", readLatest(t, env, 0, 5))
	assert.Equal(t, "SECOND", readLatest(t, env, 1, 6))
	assert.Equal(t, "x", readLatest(t, env, overflow, 1))

	// new transactions continue the sequence
	next := update(t, env, map[int64]string{0: "FIRST"})
	assert.Equal(t, before.LastCommittedTxID+1, next)
}

func TestEnvironment_ApplyLogsToDataFile(t *testing.T) {
	cfg := testCfg(t)
	env, err := Open(cfg)
	require.NoError(t, err)

	put(t, env, "a", "b")
	update(t, env, map[int64]string{0: "A"})

	t.Run("an open reader holds back its versions", func(t *testing.T) {
		reader, err := env.Begin(true)
		require.NoError(t, err)
		update(t, env, map[int64]string{1: "B"})

		result, err := env.ApplyLogsToDataFile()
		require.NoError(t, err)
		assert.Equal(t, reader.ID()-1, result.LastSyncedTransactionID)
		assert.Equal(t, "b", read(t, env, reader, 1, 1))
		require.NoError(t, env.Rollback(reader))
	})

	result, err := env.ApplyLogsToDataFile()
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.LastSyncedTransactionID)

	stats, err := env.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TrackedPages)
	assert.Equal(t, int64(3), stats.LastSyncedTxID)

	// served from the data file now
	assert.Equal(t, "A", readLatest(t, env, 0, 1))
	assert.Equal(t, "B", readLatest(t, env, 1, 1))

	again, err := env.ApplyLogsToDataFile()
	require.NoError(t, err)
	assert.Equal(t, 0, again.PagesWritten)
	require.NoError(t, env.Close())

	env = openEnv(t, cfg)
	rs := env.RecoveryStats()
	assert.Equal(t, 0, rs.Replayed)
	assert.Equal(t, 3, rs.Skipped)
	assert.True(t, env.table.IsEmpty())
	assert.Equal(t, "A", readLatest(t, env, 0, 1))
	assert.Equal(t, int64(4), update(t, env, map[int64]string{1: "bb"}))
}

func TestEnvironment_JournalRotation(t *testing.T) {
	cfg := testCfg(t)
	// header page plus one payload page per record: two records per journal
	cfg.MaxJournalSize = 4 * pages.PageSize
	env, err := Open(cfg)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		put(t, env, fmt.Sprintf("page %d", i))
	}
	assert.Equal(t, []int64{1, 2, 3}, env.Journals())
	require.NoError(t, env.Close())

	env = openEnv(t, cfg)
	assert.Equal(t, 5, env.RecoveryStats().Replayed)
	assert.Equal(t, 3, env.RecoveryStats().Journals)
	for i := int64(0); i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("page %d", i), readLatest(t, env, i, 6))
	}

	result, err := env.ApplyLogsToDataFile()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, result.JournalsRemoved)
	assert.Equal(t, []int64{3}, env.Journals())

	_, err = os.Stat(journalFilePath(cfg, 1))
	assert.True(t, os.IsNotExist(err))
}

func TestEnvironment_UncommittedTail(t *testing.T) {
	cfg := testCfg(t)
	env, err := Open(cfg)
	require.NoError(t, err)

	put(t, env, "one")
	stats, err := env.Stats()
	require.NoError(t, err)
	tail := stats.JournalWritePage
	update(t, env, map[int64]string{0: "two"})
	require.NoError(t, env.Close())

	markUncommitted(t, cfg, 1, tail)

	t.Run("strict recovery refuses to open", func(t *testing.T) {
		strict := *cfg
		strict.StrictRecovery = true
		_, err := Open(&strict)
		re, ok := journal.AsRecoveryError(err)
		require.True(t, ok, "%v", err)
		assert.Equal(t, journal.KindUncommitted, re.Kind)
		assert.Equal(t, int64(2), re.TransactionID)
	})

	env = openEnv(t, cfg)
	rs := env.RecoveryStats()
	require.NotNil(t, rs.Stopped)
	assert.Equal(t, journal.KindUncommitted, rs.Stopped.Kind)
	assert.Equal(t, 1, rs.Replayed)
	assert.Equal(t, "one", readLatest(t, env, 0, 3))

	// the id of the lost transaction is reused and written over the bad record
	assert.Equal(t, int64(2), update(t, env, map[int64]string{0: "TWO"}))
	stats, err = env.Stats()
	require.NoError(t, err)
	assert.Greater(t, stats.JournalWritePage, tail)
	require.NoError(t, env.Close())

	env = openEnv(t, cfg)
	assert.Nil(t, env.RecoveryStats().Stopped)
	assert.Equal(t, 2, env.RecoveryStats().Replayed)
	assert.Equal(t, "TWO", readLatest(t, env, 0, 3))
}

func TestEnvironment_CrcMismatch(t *testing.T) {
	cfg := testCfg(t)
	env, err := Open(cfg)
	require.NoError(t, err)

	put(t, env, "one")
	stats, err := env.Stats()
	require.NoError(t, err)
	second := stats.JournalWritePage
	update(t, env, map[int64]string{0: "two"})
	update(t, env, map[int64]string{0: "three"})
	require.NoError(t, env.Close())

	// first payload byte of the second record
	patchJournal(t, cfg, 1, (second+1)*pages.PageSize, func(b byte) byte { return b ^ 0xff })

	_, err = Open(cfg)
	re, ok := journal.AsRecoveryError(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, journal.KindInvalidCrc, re.Kind)

	ignoring := *cfg
	ignoring.IgnoreRecoveryErrors = true
	env = openEnv(t, &ignoring)
	assert.Equal(t, 1, env.RecoveryStats().Replayed)
	assert.Equal(t, "one", readLatest(t, env, 0, 3))
	stats, err = env.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.LastCommittedTxID)
}

func TestEnvironment_JournalsAfterBreakAreSetAside(t *testing.T) {
	cfg := testCfg(t)
	cfg.MaxJournalSize = 4 * pages.PageSize
	env, err := Open(cfg)
	require.NoError(t, err)

	put(t, env, "one")
	stats, err := env.Stats()
	require.NoError(t, err)
	tail := stats.JournalWritePage
	put(t, env, "two")
	put(t, env, "three")
	assert.Equal(t, []int64{1, 2}, env.Journals())
	require.NoError(t, env.Close())

	markUncommitted(t, cfg, 1, tail)

	env = openEnv(t, cfg)
	rs := env.RecoveryStats()
	assert.Equal(t, []int64{2}, rs.Discarded)
	assert.Equal(t, []int64{1}, env.Journals())
	_, err = os.Stat(journalFilePath(cfg, 2) + InvalidJournalSuffix)
	assert.NoError(t, err)

	stats, err = env.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.LastCommittedTxID)
}

func TestEnvironment_ShipJournal(t *testing.T) {
	env := openEnv(t, testCfg(t))
	for i := 0; i < 3; i++ {
		put(t, env, fmt.Sprintf("ship %d", i))
	}

	shipment, err := env.ShipJournal(1, 1)
	require.NoError(t, err)
	defer shipment.Close()

	var shipped []*journal.TransactionToShip
	for shipment.Next() {
		shipped = append(shipped, shipment.Transaction())
	}
	require.NoError(t, shipment.Err())
	require.Len(t, shipped, 2)
	assert.Equal(t, int64(2), shipped[0].Header.TransactionID)
	require.NoError(t, shipped[0].ValidateChain(nil))
	require.NoError(t, shipped[1].ValidateChain(shipped[0]))

	_, err = env.ShipJournal(9, 0)
	assert.ErrorIs(t, err, ErrJournalNotFound)
}

func TestEnvironment_Stats(t *testing.T) {
	env := openEnv(t, testCfg(t))
	put(t, env, "a", "b", "c")
	update(t, env, map[int64]string{0: "A"})

	stats, err := env.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(8*pages.PageSize), stats.AllocatedDataFileSizeInBytes)
	assert.Equal(t, int64(3*pages.PageSize), stats.UsedDataFileSizeInBytes)
	assert.Equal(t, 3, stats.TrackedPages)
	assert.Equal(t, 3, stats.ReclaimablePages)
	assert.Equal(t, int64(4), stats.ScratchUsedPages)
	assert.Equal(t, int64(2), stats.LastSeenTransactionID)
	assert.Equal(t, int64(2), stats.MaxTransactionInJournal)
	assert.Equal(t, int64(3), stats.OldestActiveTxID)
	assert.Equal(t, 1, stats.JournalCount)

	reader, err := env.Begin(true)
	require.NoError(t, err)
	defer env.Rollback(reader)
	stats, err = env.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveTransactions)
	assert.Equal(t, 2, stats.ReclaimablePages, "page 0 was written by tx 2, still visible to the reader")
}

func TestEnvironment_ConcurrentReadersDuringApply(t *testing.T) {
	env := openEnv(t, testCfg(t))
	put(t, env, "0000", "0000")

	const rounds = 40
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				trx, err := env.Begin(true)
				if !assert.NoError(t, err) {
					return
				}
				// both pages are always written together
				a, errA := env.ReadPage(trx, 0)
				b, errB := env.ReadPage(trx, 1)
				if assert.NoError(t, errA) && assert.NoError(t, errB) {
					assert.Equal(t, string(a.Data()[:4]), string(b.Data()[:4]))
				}
				assert.NoError(t, env.Rollback(trx))
			}
		}()
	}

	for i := 1; i <= rounds; i++ {
		text := fmt.Sprintf("%04d", i)
		update(t, env, map[int64]string{0: text, 1: text})
		if i%5 == 0 {
			_, err := env.ApplyLogsToDataFile()
			require.NoError(t, err)
		}
	}
	wg.Wait()
	assert.Equal(t, fmt.Sprintf("%04d", rounds), readLatest(t, env, 1, 4))
}

func TestEnvironment_Closed(t *testing.T) {
	env, err := Open(testCfg(t))
	require.NoError(t, err)
	require.NoError(t, env.Close())
	require.NoError(t, env.Close())

	_, err = env.Begin(true)
	assert.ErrorIs(t, err, ErrEnvironmentClosed)
	_, err = env.Stats()
	assert.ErrorIs(t, err, ErrEnvironmentClosed)
	_, err = env.ApplyLogsToDataFile()
	assert.True(t, errors.Is(err, ErrEnvironmentClosed))
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testCfg(t)
	cfg.Compression = "zstd"
	_, err := Open(cfg)
	assert.Error(t, err)
}
