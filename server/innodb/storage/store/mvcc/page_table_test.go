package mvcc

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/journal"
)

func pos(tx, scratch int64) journal.PagePosition {
	return journal.PagePosition{JournalNumber: 1, ScratchPos: scratch, TransactionID: tx}
}

func newTable(t *testing.T, writes map[int64][]int64) *PageTable {
	t.Helper()
	table := NewPageTable()
	// tx id -> pages; applied in id order
	var ids []int64
	for id := range writes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		items := make(map[int64]journal.PagePosition)
		for _, page := range writes[id] {
			items[page] = pos(id, id*100+page)
		}
		require.NoError(t, table.SetItems(TxID(id), items))
	}
	return table
}

func TestPageTable_Visibility(t *testing.T) {
	table := newTable(t, map[int64][]int64{
		2: {1, 2},
		5: {1},
		7: {1, 3},
	})

	t.Run("读取不晚于自身的最新版本", func(t *testing.T) {
		cases := []struct {
			reader int64
			page   int64
			want   int64
			found  bool
		}{
			{reader: 1, page: 1, found: false},
			{reader: 2, page: 1, want: 2, found: true},
			{reader: 4, page: 1, want: 2, found: true},
			{reader: 5, page: 1, want: 5, found: true},
			{reader: 6, page: 1, want: 5, found: true},
			{reader: 100, page: 1, want: 7, found: true},
			{reader: 100, page: 2, want: 2, found: true},
			{reader: 6, page: 3, found: false},
			{reader: 7, page: 3, want: 7, found: true},
			{reader: 100, page: 9, found: false},
		}
		for _, c := range cases {
			got, ok := table.TryGetValue(TxID(c.reader), c.page)
			require.Equal(t, c.found, ok, "reader %d page %d", c.reader, c.page)
			if ok {
				assert.Equal(t, c.want, got.TransactionID, "reader %d page %d", c.reader, c.page)
				assert.Equal(t, c.want*100+c.page, got.ScratchPos)
			}
		}
	})

	t.Run("counters", func(t *testing.T) {
		assert.Equal(t, 3, table.Count())
		assert.False(t, table.IsEmpty())
		assert.Equal(t, int64(7), table.MaxTransactionID())
		assert.Equal(t, int64(7), table.LastSeenTransaction())
		assert.Equal(t, []int64{2, 5, 7}, table.VersionsOf(1))
	})
}

func TestPageTable_RejectsNonMonotonicTransactions(t *testing.T) {
	table := newTable(t, map[int64][]int64{3: {1}})

	for _, id := range []int64{3, 2} {
		err := table.SetItems(TxID(id), map[int64]journal.PagePosition{1: pos(id, 0), 4: pos(id, 0)})
		assert.ErrorIs(t, err, ErrNonMonotonicTransaction)
	}

	// the rejected calls left nothing behind
	assert.Equal(t, 1, table.Count())
	assert.Equal(t, []int64{3}, table.VersionsOf(1))
	assert.Nil(t, table.VersionsOf(4))
	assert.Equal(t, int64(3), table.LastSeenTransaction())

	require.NoError(t, table.SetItems(TxID(4), map[int64]journal.PagePosition{4: pos(4, 0)}))
	assert.Equal(t, 2, table.Count())
}

func TestPageTable_Empty(t *testing.T) {
	table := NewPageTable()
	assert.True(t, table.IsEmpty())
	assert.Equal(t, int64(0), table.MaxTransactionID())
	assert.Equal(t, int64(-1), table.LastSeenTransaction())
	assert.Empty(t, table.AllPagesOlderThan(100))

	// 0 is a valid first transaction
	require.NoError(t, table.SetItems(TxID(0), map[int64]journal.PagePosition{1: pos(0, 0)}))
	assert.Equal(t, 1, table.Count())
}

func TestPageTable_Remove(t *testing.T) {
	table := newTable(t, map[int64][]int64{
		1: {1, 2},
		2: {1},
		3: {1, 3},
	})

	table.Remove([]int64{1, 2, 3, 42}, 2)

	assert.Equal(t, []int64{3}, table.VersionsOf(1))
	assert.Nil(t, table.VersionsOf(2), "every version synced, page dropped")
	assert.Equal(t, []int64{3}, table.VersionsOf(3))
	assert.Equal(t, 2, table.Count())

	_, ok := table.TryGetValue(TxID(2), 1)
	assert.False(t, ok, "synced versions are served from the data file")

	table.Remove([]int64{1, 3}, 3)
	assert.True(t, table.IsEmpty())
}

func TestPageTable_AllPagesOlderThan(t *testing.T) {
	table := newTable(t, map[int64][]int64{
		1: {5, 2},
		4: {5},
		6: {3},
	})

	entries := table.AllPagesOlderThan(5)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].PageNumber)
	assert.Equal(t, int64(1), entries[0].Position.TransactionID)
	assert.Equal(t, int64(5), entries[1].PageNumber)
	assert.Equal(t, int64(4), entries[1].Position.TransactionID)

	assert.Len(t, table.AllPagesOlderThan(7), 3)
	assert.Empty(t, table.AllPagesOlderThan(1))
}

func TestPageTable_LatestAsOf(t *testing.T) {
	table := newTable(t, map[int64][]int64{
		1: {1, 2},
		3: {1, 3},
		5: {2},
	})

	entries := table.LatestAsOf(4)
	require.Len(t, entries, 3)
	assert.Equal(t, PageEntry{PageNumber: 1, Position: pos(3, 301)}, entries[0])
	assert.Equal(t, PageEntry{PageNumber: 2, Position: pos(1, 102)}, entries[1])
	assert.Equal(t, PageEntry{PageNumber: 3, Position: pos(3, 303)}, entries[2])

	visited := 0
	table.IterateLatestAsOf(100, func(int64, journal.PagePosition) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}

func TestPageTable_ReplayMatchesIncrementalWrites(t *testing.T) {
	writes := []map[int64]journal.PagePosition{
		{1: pos(1, 0), 2: pos(1, 1)},
		{2: pos(2, 2)},
		{1: pos(3, 3), 4: pos(3, 4)},
	}

	incremental := NewPageTable()
	for i, items := range writes {
		require.NoError(t, incremental.SetItems(TxID(i+1), items))
	}

	// recovery hands the table one transaction at a time, in journal order
	var transactions []journal.TransactionTranslation
	for i, items := range writes {
		transactions = append(transactions, journal.TransactionTranslation{
			Header: journal.TransactionHeader{TransactionID: int64(i + 1)},
			Pages:  items,
		})
	}
	replayed := NewPageTable()
	for _, tx := range transactions {
		require.NoError(t, replayed.SetItems(TxID(tx.Header.TransactionID), tx.Pages))
	}

	for reader := int64(0); reader <= 4; reader++ {
		assert.Equal(t, incremental.LatestAsOf(reader), replayed.LatestAsOf(reader), "reader %d", reader)
	}
}

func TestPageTable_ConcurrentReaders(t *testing.T) {
	table := NewPageTable()
	const writes = 500

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				last := table.LastSeenTransaction()
				if last < 0 {
					continue
				}
				got, ok := table.TryGetValue(TxID(last), 1)
				if !ok {
					continue
				}
				// a reader never sees a version newer than itself nor a torn one
				assert.LessOrEqual(t, got.TransactionID, last)
				assert.Equal(t, got.TransactionID, got.ScratchPos)
			}
		}()
	}

	for i := int64(1); i <= writes; i++ {
		require.NoError(t, table.SetItems(TxID(i), map[int64]journal.PagePosition{1: pos(i, i)}))
		if i%50 == 0 {
			table.Remove([]int64{1}, i-10)
		}
	}
	wg.Wait()
	assert.Len(t, table.VersionsOf(1), 10)
}
