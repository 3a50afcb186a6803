// Package storage ties the data file, the journals, the scratch pager and the page
// version table into a transactional environment.
package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/logger"
	"github.com/zhukovaskychina/xkv/server/conf"
	"github.com/zhukovaskychina/xkv/server/innodb/manager"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/journal"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/mvcc"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pager"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xkv/util"
)

const (
	DataFileName    = "data.xkv"
	ScratchFileName = "scratch.buffers"
	JournalDirName  = "journals"
	JournalSuffix   = ".journal"
)

// journalFile is one open journal and the transactions it holds.
type journalFile struct {
	number int64
	pager  *pager.MmapPager
	lastTx int64 // -1 while empty
}

// Environment 存储环境
type Environment struct {
	cfg         *conf.Cfg
	compression journal.Compression

	dir        string
	journalDir string

	header  *headerAccessor
	data    *pager.MmapPager
	scratch *pager.MmapPager
	table   *mvcc.PageTable
	tm      *manager.TransactionManager

	// guarded by mu; commits and the apply pass both touch the journal list
	mu          sync.Mutex
	journals    []*journalFile
	writer      *journal.Writer
	scratchPage int64
	recovery    RecoveryStats
	closed      bool

	applyMu sync.Mutex
}

// Open opens or creates the environment in cfg.DataDir and recovers it from its
// journals.
func Open(cfg *conf.Cfg) (*Environment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	compression, err := journal.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	e := &Environment{
		cfg:         cfg,
		compression: compression,
		dir:         cfg.DataDir,
		journalDir:  filepath.Join(cfg.DataDir, JournalDirName),
		table:       mvcc.NewPageTable(),
	}
	if err := util.EnsureDir(e.journalDir); err != nil {
		return nil, errors.Wrapf(err, "create %s", e.journalDir)
	}

	if err := e.open(); err != nil {
		e.closeFiles()
		return nil, err
	}
	return e, nil
}

func (e *Environment) open() error {
	header, isNew, err := readHeader(e.dir)
	if err != nil {
		return err
	}
	e.header = header

	if e.data, err = pager.OpenFilePager(filepath.Join(e.dir, DataFileName)); err != nil {
		return err
	}
	if initial := roundToPages(e.cfg.InitialFileSize); e.data.NumberOfAllocatedPages()*pages.PageSize < initial {
		if err := e.data.AllocateMorePages(nil, initial); err != nil {
			return err
		}
	}
	if e.scratch, err = pager.OpenScratchPager(filepath.Join(e.dir, ScratchFileName)); err != nil {
		return err
	}

	if isNew {
		if err := e.header.Modify(func(*EnvHeader) {}); err != nil {
			return err
		}
		logger.Infof("created new environment in %s", e.dir)
	}

	lastTx, lastPage, err := e.recover()
	if err != nil {
		return err
	}
	e.tm = manager.NewTransactionManager(lastTx, lastPage)

	h := e.header.Get()
	logger.WithFields(map[string]interface{}{
		"dir":          e.dir,
		"last_tx":      lastTx,
		"last_synced":  h.LastSyncedTransactionID,
		"journals":     len(e.journals),
		"replayed":     e.recovery.Replayed,
		"skipped":      e.recovery.Skipped,
		"tracked_page": e.table.Count(),
	}).Info("environment opened")
	return nil
}

func roundToPages(size int64) int64 {
	return int64(pages.PagesFor(int(size))) * pages.PageSize
}

func (e *Environment) journalPath(number int64) string {
	return filepath.Join(e.journalDir, util.NumberedFileName(number, JournalSuffix))
}

// Begin starts a transaction. Only one write transaction may be open at a time.
func (e *Environment) Begin(readOnly bool) (*manager.Transaction, error) {
	if e.isClosed() {
		return nil, ErrEnvironmentClosed
	}
	return e.tm.Begin(readOnly)
}

// Commit makes trx durable: one journal record is written and synced, the pages are
// copied to scratch and the new versions are published to readers.
func (e *Environment) Commit(trx *manager.Transaction) error {
	if e.isClosed() {
		return ErrEnvironmentClosed
	}
	return e.tm.Commit(trx, e.writeTransaction)
}

// Rollback discards trx and, for a reader, releases its snapshot.
func (e *Environment) Rollback(trx *manager.Transaction) error {
	return e.tm.Close(trx)
}

func (e *Environment) writeTransaction(trx *manager.Transaction) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	written := trx.WrittenPages()
	if _, err := e.writer.Write(trx.ID(), trx.LastPageNumber(), written); err != nil {
		if errors.Cause(err) != journal.ErrJournalFull {
			return err
		}
		if err := e.rotateJournal(); err != nil {
			return err
		}
		if _, err := e.writer.Write(trx.ID(), trx.LastPageNumber(), written); err != nil {
			return err
		}
	}
	if err := e.writer.Sync(); err != nil {
		return err
	}
	current := e.journals[len(e.journals)-1]
	current.lastTx = trx.ID()

	total := 0
	for _, p := range written {
		total += p.NumberOfPages()
	}
	if err := e.scratch.EnsureContinuous(nil, e.scratchPage, total); err != nil {
		return err
	}

	items := make(map[int64]journal.PagePosition, len(written))
	pos := e.scratchPage
	for _, p := range written {
		buf, err := e.scratch.AcquireWritablePages(pos, p.NumberOfPages())
		if err != nil {
			return err
		}
		copy(buf, p.Bytes())
		items[p.PageNumber()] = journal.PagePosition{
			JournalNumber: e.writer.JournalNumber(),
			ScratchPos:    pos,
			TransactionID: trx.ID(),
		}
		pos += int64(p.NumberOfPages())
	}
	e.scratchPage = pos

	return e.table.SetItems(trx, items)
}

// rotateJournal closes the full journal for writing and starts the next one.
func (e *Environment) rotateJournal() error {
	next := e.writer.JournalNumber() + 1
	jp, err := pager.OpenFilePager(e.journalPath(next))
	if err != nil {
		return err
	}
	e.journals = append(e.journals, &journalFile{number: next, pager: jp, lastTx: -1})
	e.writer = journal.NewWriter(jp, journal.WriterConfig{
		JournalNumber:  next,
		Compression:    e.compression,
		MaxJournalSize: e.cfg.MaxJournalSize,
	})
	logger.Infof("journal rotated to %s", jp)
	return nil
}

// ReadPage returns the version of pageNumber visible to trx: its own write, the newest
// committed version in scratch, or the data file.
func (e *Environment) ReadPage(trx *manager.Transaction, pageNumber int64) (pages.Page, error) {
	if e.isClosed() {
		return pages.Page{}, ErrEnvironmentClosed
	}
	if p, ok := trx.WrittenPage(pageNumber); ok {
		return p, nil
	}
	if pageNumber < 0 || pageNumber > trx.LastPageNumber() {
		return pages.Page{}, errors.Wrapf(ErrPageNumberOutOfBounds, "page %d, last page %d", pageNumber, trx.LastPageNumber())
	}

	if pos, ok := e.table.TryGetValue(trx, pageNumber); ok {
		return e.readPinned(trx, e.scratch, pos.ScratchPos)
	}

	page, err := e.readPinned(trx, e.data, pageNumber)
	if errors.Cause(err) == pager.ErrPageOutOfRange {
		return pages.Page{}, errors.Wrapf(ErrPageNotFound, "page %d is not in the data file", pageNumber)
	}
	if err != nil {
		return pages.Page{}, err
	}
	if page.PageNumber() != pageNumber {
		return pages.Page{}, errors.Wrapf(ErrPageNotFound, "page %d", pageNumber)
	}
	return page, nil
}

// readPinned reads through the state trx pinned for p. Pagers only grow, so a page past
// the pinned state is read through a newer state, pinned as well.
func (e *Environment) readPinned(trx *manager.Transaction, p *pager.MmapPager, pageNumber int64) (pages.Page, error) {
	state := trx.PagerState(p.String())
	if state == nil || pageNumber >= state.NumberOfPages() {
		state = p.AcquireState()
		trx.AddPagerState(state)
	}
	return p.Read(pageNumber, state)
}

// ShipJournal opens journal number for shipping the transactions after lastSynced.
// The journal is mapped separately; Close the shipment when done.
func (e *Environment) ShipJournal(number int64, lastSynced int64) (*JournalShipment, error) {
	path := e.journalPath(number)
	exists, err := util.PathExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrapf(ErrJournalNotFound, "%d", number)
	}
	return OpenJournalShipment(path, number, lastSynced)
}

// JournalShipment streams the records of one journal file.
type JournalShipment struct {
	*journal.ShippingIterator
	pager *pager.MmapPager
}

// OpenJournalShipment maps the journal at path without opening an environment.
func OpenJournalShipment(path string, number int64, lastSynced int64) (*JournalShipment, error) {
	jp, err := pager.OpenFilePager(path)
	if err != nil {
		return nil, err
	}
	r := journal.NewReader(jp, nil, journal.ReaderConfig{
		JournalNumber:           number,
		LastSyncedTransactionID: lastSynced,
	})
	return &JournalShipment{ShippingIterator: r.ReadJournalForShipping(), pager: jp}, nil
}

func (s *JournalShipment) Close() error {
	return s.pager.Close()
}

// Journals lists the numbers of the journals currently held open.
func (e *Environment) Journals() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	numbers := make([]int64, len(e.journals))
	for i, j := range e.journals {
		numbers[i] = j.number
	}
	return numbers
}

func (e *Environment) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close rolls back open transactions and closes every file. The scratch file is
// removed; everything not yet applied is recovered from the journals on the next Open.
func (e *Environment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	var err error
	if e.tm != nil {
		err = e.tm.Shutdown()
	}
	if cerr := e.closeFiles(); err == nil {
		err = cerr
	}
	logger.Infof("environment %s closed", e.dir)
	return err
}

func (e *Environment) closeFiles() error {
	var err error
	keep := func(cerr error) {
		if cerr != nil && err == nil {
			err = cerr
		}
	}
	for _, j := range e.journals {
		keep(j.pager.Close())
	}
	e.journals = nil
	if e.scratch != nil {
		keep(e.scratch.Close())
	}
	if e.data != nil {
		keep(e.data.Sync())
		keep(e.data.Close())
	}
	return err
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}
