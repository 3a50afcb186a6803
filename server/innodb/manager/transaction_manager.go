package manager

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/logger"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pager"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pages"
)

// 事务状态
const (
	TRX_STATE_ACTIVE uint8 = iota + 1
	TRX_STATE_COMMITTED
	TRX_STATE_ROLLED_BACK
)

// Transaction 表示一个事务
//
// A read transaction sees everything committed up to and including ID. A write
// transaction's ID is the one its journal record will carry.
type Transaction struct {
	id        int64
	readOnly  bool
	state     uint8
	startTime time.Time

	// pinned pager states, released when the transaction completes
	states  []*pager.PagerState
	byOwner map[string]*pager.PagerState

	// write set: page number -> page
	written        map[int64]pages.Page
	lastPageNumber int64
}

func (trx *Transaction) ID() int64 { return trx.id }

func (trx *Transaction) ReadOnly() bool { return trx.readOnly }

func (trx *Transaction) State() uint8 { return trx.state }

func (trx *Transaction) StartTime() time.Time { return trx.startTime }

// AddPagerState pins state until the transaction completes. A newer state of the same
// pager replaces the older one for lookups; both stay pinned.
func (trx *Transaction) AddPagerState(state *pager.PagerState) {
	trx.states = append(trx.states, state)
	trx.byOwner[state.Owner()] = state
}

// PagerState returns the state pinned for the named pager, nil when none is.
func (trx *Transaction) PagerState(owner string) *pager.PagerState {
	return trx.byOwner[owner]
}

// PinnedStates 返回事务持有的全部状态
func (trx *Transaction) PinnedStates() int {
	return len(trx.states)
}

// LastPageNumber is the highest page number allocated so far, as seen by this transaction.
func (trx *Transaction) LastPageNumber() int64 { return trx.lastPageNumber }

// AllocatePage reserves the next page numbers for a page carrying dataSize bytes and
// adds it to the write set.
func (trx *Transaction) AllocatePage(dataSize int) (pages.Page, error) {
	if trx.readOnly {
		return pages.Page{}, ErrReadOnlyTransaction
	}
	if trx.state != TRX_STATE_ACTIVE {
		return pages.Page{}, ErrTxFinished
	}
	page := pages.Allocate(trx.lastPageNumber+1, dataSize)
	trx.lastPageNumber += int64(page.NumberOfPages())
	trx.written[page.PageNumber()] = page
	return page, nil
}

// ModifyPage adds a copy of an existing page to the write set, or returns the copy
// already there.
func (trx *Transaction) ModifyPage(page pages.Page) (pages.Page, error) {
	if trx.readOnly {
		return pages.Page{}, ErrReadOnlyTransaction
	}
	if trx.state != TRX_STATE_ACTIVE {
		return pages.Page{}, ErrTxFinished
	}
	if p, ok := trx.written[page.PageNumber()]; ok {
		return p, nil
	}
	if page.PageNumber() > trx.lastPageNumber {
		return pages.Page{}, errors.Errorf("page %d was never allocated (last page %d)", page.PageNumber(), trx.lastPageNumber)
	}
	cp, err := pages.NewPage(append([]byte(nil), page.Bytes()...))
	if err != nil {
		return pages.Page{}, err
	}
	trx.written[cp.PageNumber()] = cp
	return cp, nil
}

// WrittenPage returns the page from the write set.
func (trx *Transaction) WrittenPage(pageNumber int64) (pages.Page, bool) {
	p, ok := trx.written[pageNumber]
	return p, ok
}

// WrittenPages returns the write set ordered by page number.
func (trx *Transaction) WrittenPages() []pages.Page {
	result := make([]pages.Page, 0, len(trx.written))
	for _, p := range trx.written {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PageNumber() < result[j].PageNumber() })
	return result
}

func (trx *Transaction) release() error {
	var err error
	for _, s := range trx.states {
		if rerr := s.Release(); rerr != nil && err == nil {
			err = errors.Wrapf(rerr, "release pager state %s of tx %d", s.ID(), trx.id)
		}
	}
	trx.states = nil
	trx.byOwner = nil
	trx.written = nil
	return err
}

// CommitFunc makes a write transaction durable. It runs while the manager is locked,
// so transaction ids are published in commit order.
type CommitFunc func(trx *Transaction) error

// TransactionManager 事务管理器
//
// One write transaction at a time, any number of read transactions.
type TransactionManager struct {
	mu            sync.Mutex
	lastCommitted int64
	lastPage      int64
	writer        *Transaction
	active        map[*Transaction]struct{}
	closed        bool
}

// NewTransactionManager 创建事务管理器, starting after the recovered state.
func NewTransactionManager(lastCommittedTransactionID, lastPageNumber int64) *TransactionManager {
	return &TransactionManager{
		lastCommitted: lastCommittedTransactionID,
		lastPage:      lastPageNumber,
		active:        make(map[*Transaction]struct{}),
	}
}

// Begin 开始新事务
func (tm *TransactionManager) Begin(readOnly bool) (*Transaction, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return nil, ErrManagerClosed
	}

	trx := &Transaction{
		id:             tm.lastCommitted,
		readOnly:       readOnly,
		state:          TRX_STATE_ACTIVE,
		startTime:      time.Now(),
		byOwner:        make(map[string]*pager.PagerState),
		lastPageNumber: tm.lastPage,
	}
	if !readOnly {
		if tm.writer != nil {
			return nil, errors.Wrapf(ErrWriteTransactionActive, "tx %d", tm.writer.id)
		}
		trx.id = tm.lastCommitted + 1
		trx.written = make(map[int64]pages.Page)
		tm.writer = trx
	}
	tm.active[trx] = struct{}{}

	logger.Debugf("begin tx %d (read only: %v)", trx.id, readOnly)
	return trx, nil
}

// Commit 提交事务. For a write transaction commit runs first; when it fails the
// transaction stays active and may be rolled back.
func (tm *TransactionManager) Commit(trx *Transaction, commit CommitFunc) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.commitLocked(trx, commit)
}

func (tm *TransactionManager) commitLocked(trx *Transaction, commit CommitFunc) error {
	if trx.state != TRX_STATE_ACTIVE {
		return ErrInvalidTrxState
	}

	if !trx.readOnly && len(trx.written) > 0 {
		if commit != nil {
			if err := commit(trx); err != nil {
				return errors.Wrapf(err, "commit tx %d", trx.id)
			}
		}
		tm.lastCommitted = trx.id
		if trx.lastPageNumber > tm.lastPage {
			tm.lastPage = trx.lastPageNumber
		}
	}

	trx.state = TRX_STATE_COMMITTED
	logger.Debugf("commit tx %d (%d pages)", trx.id, len(trx.written))
	return tm.finish(trx)
}

// Rollback 回滚事务: the write set is dropped and the id is not consumed.
func (tm *TransactionManager) Rollback(trx *Transaction) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.rollbackLocked(trx)
}

func (tm *TransactionManager) rollbackLocked(trx *Transaction) error {
	if trx.state != TRX_STATE_ACTIVE {
		return ErrInvalidTrxState
	}
	trx.state = TRX_STATE_ROLLED_BACK
	return tm.finish(trx)
}

// Close completes trx: read transactions commit, write transactions roll back. Closing
// a finished transaction is a no-op.
func (tm *TransactionManager) Close(trx *Transaction) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if trx.state != TRX_STATE_ACTIVE {
		return nil
	}
	if trx.readOnly {
		return tm.commitLocked(trx, nil)
	}
	return tm.rollbackLocked(trx)
}

func (tm *TransactionManager) finish(trx *Transaction) error {
	delete(tm.active, trx)
	if tm.writer == trx {
		tm.writer = nil
	}
	return trx.release()
}

// OldestActiveTransaction is the smallest id of any open transaction, or
// LastCommittedTransactionID+1 when none is open. Versions older than it are not
// needed by anyone except through the newest of them.
func (tm *TransactionManager) OldestActiveTransaction() int64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	oldest := tm.lastCommitted + 1
	for trx := range tm.active {
		if trx.id < oldest {
			oldest = trx.id
		}
	}
	return oldest
}

func (tm *TransactionManager) LastCommittedTransactionID() int64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.lastCommitted
}

// LastPageNumber 返回已分配的最大页号
func (tm *TransactionManager) LastPageNumber() int64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.lastPage
}

// ActiveTransactions 返回活跃事务数
func (tm *TransactionManager) ActiveTransactions() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.active)
}

// Shutdown rolls back every open transaction and refuses new ones.
func (tm *TransactionManager) Shutdown() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.closed = true
	var err error
	for trx := range tm.active {
		if trx.readOnly {
			trx.state = TRX_STATE_COMMITTED
		} else {
			trx.state = TRX_STATE_ROLLED_BACK
		}
		if ferr := tm.finish(trx); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}
