package mvcc

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/journal"
)

// ErrNonMonotonicTransaction is returned when SetItems is called with a transaction id
// that is not newer than every id already recorded.
var ErrNonMonotonicTransaction = errors.New("page table: transaction ids have to always increment")

// Transaction is the part of a transaction the page table needs.
type Transaction interface {
	ID() int64
}

// TxID adapts a bare transaction id, for callers that have no transaction object.
type TxID int64

func (id TxID) ID() int64 { return int64(id) }

type pageValue struct {
	transaction int64
	value       journal.PagePosition
}

// versions is published once and never modified afterwards.
type versions struct {
	items []pageValue
}

func (v *versions) newest() pageValue {
	return v.items[len(v.items)-1]
}

// PageEntry pairs a logical page with one of its positions.
type PageEntry struct {
	PageNumber int64
	Position   journal.PagePosition
}

// PageTable maps logical pages to their journal versions, newest last. It serves a
// single writer (SetItems), a single maintenance actor (Remove) and any number of
// concurrent readers. Readers never block: each page's version list is replaced as a
// whole, so a reader sees a version completely or not at all.
type PageTable struct {
	mu                 sync.Mutex // SetItems and Remove
	values             sync.Map   // int64 -> *versions
	count              int64
	maxSeenTransaction int64
}

func NewPageTable() *PageTable {
	return &PageTable{maxSeenTransaction: -1}
}

// SetItems records one new version per page for tx.
func (t *PageTable) SetItems(tx Transaction, items map[int64]journal.PagePosition) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.updateMaxSeenTxID(tx); err != nil {
		return err
	}

	for page, pos := range items {
		v := pageValue{transaction: tx.ID(), value: pos}
		existing, ok := t.values.Load(page)
		if !ok {
			t.values.Store(page, &versions{items: []pageValue{v}})
			atomic.AddInt64(&t.count, 1)
			continue
		}
		old := existing.(*versions).items
		next := make([]pageValue, len(old), len(old)+1)
		copy(next, old)
		t.values.Store(page, &versions{items: append(next, v)})
	}
	return nil
}

func (t *PageTable) updateMaxSeenTxID(tx Transaction) error {
	seen := atomic.LoadInt64(&t.maxSeenTransaction)
	if tx.ID() <= seen {
		return errors.Wrapf(ErrNonMonotonicTransaction, "got %d when already seen tx %d", tx.ID(), seen)
	}
	atomic.StoreInt64(&t.maxSeenTransaction, tx.ID())
	return nil
}

// TryGetValue returns the newest version of page visible to tx. It reports false when
// the page is unknown or every version was written after tx started.
func (t *PageTable) TryGetValue(tx Transaction, page int64) (journal.PagePosition, bool) {
	existing, ok := t.values.Load(page)
	if !ok {
		return journal.PagePosition{}, false
	}
	items := existing.(*versions).items
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].transaction > tx.ID() {
			continue
		}
		return items[i].value, true
	}
	return journal.PagePosition{}, false
}

// Remove drops every version up to and including lastSyncedTransactionID of the given
// pages. A page left without versions is removed from the table.
func (t *PageTable) Remove(pages []int64, lastSyncedTransactionID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, page := range pages {
		existing, ok := t.values.Load(page)
		if !ok {
			continue
		}
		items := existing.(*versions).items
		i := 0
		for i < len(items) && items[i].transaction <= lastSyncedTransactionID {
			i++
		}
		switch {
		case i == 0:
		case i == len(items):
			t.values.Delete(page)
			atomic.AddInt64(&t.count, -1)
		default:
			rest := make([]pageValue, len(items)-i)
			copy(rest, items[i:])
			t.values.Store(page, &versions{items: rest})
		}
	}
}

// MaxTransactionID is the newest transaction id across all pages, 0 when empty.
func (t *PageTable) MaxTransactionID() int64 {
	var max int64
	t.values.Range(func(_, v interface{}) bool {
		if id := v.(*versions).newest().value.TransactionID; id > max {
			max = id
		}
		return true
	})
	return max
}

// AllPagesOlderThan lists, by page number, the pages whose newest version predates
// oldestActiveTransaction.
func (t *PageTable) AllPagesOlderThan(oldestActiveTransaction int64) []PageEntry {
	var result []PageEntry
	t.values.Range(func(k, v interface{}) bool {
		newest := v.(*versions).newest()
		if newest.value.TransactionID < oldestActiveTransaction {
			result = append(result, PageEntry{PageNumber: k.(int64), Position: newest.value})
		}
		return true
	})
	sortEntries(result)
	return result
}

// IterateLatestAsOf calls fn with the newest version of every page visible at
// latestTxID, in no particular order, until fn returns false.
func (t *PageTable) IterateLatestAsOf(latestTxID int64, fn func(page int64, pos journal.PagePosition) bool) {
	t.values.Range(func(k, v interface{}) bool {
		items := v.(*versions).items
		for i := len(items) - 1; i >= 0; i-- {
			if items[i].transaction > latestTxID {
				continue
			}
			return fn(k.(int64), items[i].value)
		}
		return true
	})
}

// LatestAsOf is IterateLatestAsOf collected and sorted by page number.
func (t *PageTable) LatestAsOf(latestTxID int64) []PageEntry {
	var result []PageEntry
	t.IterateLatestAsOf(latestTxID, func(page int64, pos journal.PagePosition) bool {
		result = append(result, PageEntry{PageNumber: page, Position: pos})
		return true
	})
	sortEntries(result)
	return result
}

// VersionsOf lists the transaction ids of page's versions, oldest first.
func (t *PageTable) VersionsOf(page int64) []int64 {
	existing, ok := t.values.Load(page)
	if !ok {
		return nil
	}
	items := existing.(*versions).items
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.transaction
	}
	return ids
}

// LastSeenTransaction is the id passed to the latest SetItems, -1 before any.
func (t *PageTable) LastSeenTransaction() int64 {
	return atomic.LoadInt64(&t.maxSeenTransaction)
}

// Count is the number of pages with at least one version.
func (t *PageTable) Count() int {
	return int(atomic.LoadInt64(&t.count))
}

func (t *PageTable) IsEmpty() bool {
	return t.Count() == 0
}

func sortEntries(entries []PageEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].PageNumber < entries[j].PageNumber })
}
