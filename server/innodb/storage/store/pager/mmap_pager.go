package pager

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/zhukovaskychina/xkv/logger"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pages"
)

// MmapPager maps a file with mmap. A file pager maps read only and only accepts
// positioned writes; a scratch pager maps read-write and is deleted on close.
type MmapPager struct {
	mu sync.Mutex // serializes growth, state acquisition and close

	file          *os.File
	path          string
	name          string
	writable      bool
	deleteOnClose bool

	state     atomic.Pointer[PagerState]
	length    int64 // guarded by mu
	allocated int64 // pages, atomic
	closed    bool
}

// OpenFilePager opens or creates a data or journal file.
func OpenFilePager(path string) (*MmapPager, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open pager file %s", path)
	}
	return newMmapPager(file, path, false, false)
}

// OpenScratchPager creates an empty read-write mapped file, removed on Close. It is the
// recovery target that journal records are decompressed into.
func OpenScratchPager(path string) (*MmapPager, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open scratch file %s", path)
	}
	return newMmapPager(file, path, true, true)
}

func newMmapPager(file *os.File, path string, writable, deleteOnClose bool) (*MmapPager, error) {
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	p := &MmapPager{
		file:          file,
		path:          path,
		name:          filepath.Base(path),
		writable:      writable,
		deleteOnClose: deleteOnClose,
		length:        fi.Size(),
	}

	state, err := p.createState(fi.Size())
	if err != nil {
		file.Close()
		return nil, err
	}
	p.state.Store(state)
	atomic.StoreInt64(&p.allocated, state.NumberOfPages())
	return p, nil
}

func (p *MmapPager) createState(length int64) (*PagerState, error) {
	length -= length % pageSize
	if length == 0 {
		return newPagerState(p.name, nil, nil), nil
	}

	prot := unix.PROT_READ
	if p.writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(p.file.Fd()), 0, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s (%d bytes)", p.path, length)
	}
	return newPagerState(p.name, data, unix.Munmap), nil
}

func (p *MmapPager) NumberOfAllocatedPages() int64 {
	return atomic.LoadInt64(&p.allocated)
}

func (p *MmapPager) AcquireState() *PagerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state.Load()
	s.AddRef()
	return s
}

func (p *MmapPager) stateOrCurrent(state *PagerState) *PagerState {
	if state != nil {
		return state
	}
	return p.state.Load()
}

func (p *MmapPager) AcquirePagePointer(pageNumber int64, state *PagerState) ([]byte, error) {
	return p.AcquirePages(pageNumber, 1, state)
}

func (p *MmapPager) AcquirePages(pageNumber int64, count int, state *PagerState) ([]byte, error) {
	buf, err := p.stateOrCurrent(state).slice(pageNumber, count)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: pages [%d, %d)", p.name, pageNumber, pageNumber+int64(count))
	}
	return buf, nil
}

func (p *MmapPager) Read(pageNumber int64, state *PagerState) (pages.Page, error) {
	return p.pageAt(p.stateOrCurrent(state), pageNumber)
}

func (p *MmapPager) pageAt(state *PagerState, pageNumber int64) (pages.Page, error) {
	buf, err := state.slice(pageNumber, 1)
	if err != nil {
		return pages.Page{}, errors.Wrapf(err, "%s: page %d", p.name, pageNumber)
	}
	page, err := pages.NewPage(buf)
	if err != nil {
		return pages.Page{}, err
	}
	if n := page.NumberOfPages(); n > 1 {
		if buf, err = state.slice(pageNumber, n); err != nil {
			return pages.Page{}, errors.Wrapf(err, "%s: overflow page %d spans %d pages", p.name, pageNumber, n)
		}
		return pages.NewPage(buf)
	}
	return page, nil
}

func (p *MmapPager) GetWritable(pageNumber int64) (pages.Page, error) {
	if !p.writable {
		return pages.Page{}, ErrDirectWriteNotSupported
	}
	return p.pageAt(p.state.Load(), pageNumber)
}

func (p *MmapPager) AcquireWritablePages(pageNumber int64, count int) ([]byte, error) {
	if !p.writable {
		return nil, ErrDirectWriteNotSupported
	}
	return p.AcquirePages(pageNumber, count, nil)
}

// AllocateMorePages grows the file to newLength bytes. The file is extended before the
// new mapping is created; the previous state loses the pager's reference and is
// unmapped once the last transaction holding it completes.
func (p *MmapPager) AllocateMorePages(tx StateHolder, newLength int64) error {
	if newLength%pageSize != 0 {
		return errors.Wrapf(ErrUnalignedLength, "%s: %d", p.name, newLength)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPagerClosed
	}
	if newLength < p.length {
		return errors.Wrapf(ErrCannotShrink, "%s: current %d, requested %d", p.name, p.length, newLength)
	}
	if newLength == p.length {
		return nil
	}

	if err := p.file.Truncate(newLength); err != nil {
		return errors.Wrapf(err, "extend %s to %d", p.path, newLength)
	}
	p.length = newLength

	newState, err := p.createState(newLength)
	if err != nil {
		return err
	}
	if tx != nil {
		newState.AddRef() // one for the current transaction
		tx.AddPagerState(newState)
	}

	old := p.state.Swap(newState)
	atomic.StoreInt64(&p.allocated, newState.NumberOfPages())

	logger.Debugf("pager %s grew to %d pages (state %s)", p.name, newState.NumberOfPages(), newState.ID())
	return old.Release()
}

// EnsureContinuous makes sure pages [requestedPageNumber, requestedPageNumber+numberOfPages)
// are mapped, growing geometrically when they are not.
func (p *MmapPager) EnsureContinuous(tx StateHolder, requestedPageNumber int64, numberOfPages int) error {
	minRequested := (requestedPageNumber + int64(numberOfPages)) * pageSize
	p.mu.Lock()
	allocation := p.length - p.length%pageSize
	p.mu.Unlock()

	if minRequested <= allocation {
		return nil
	}
	for minRequested > allocation {
		allocation = nextLength(allocation)
	}
	return p.AllocateMorePages(tx, allocation)
}

func (p *MmapPager) Write(page pages.Page) error {
	return p.WriteAt(page, page.PageNumber())
}

func (p *MmapPager) WriteAt(page pages.Page, pageNumber int64) error {
	return p.WriteDirect(page.Bytes(), pageNumber, page.NumberOfPages())
}

// WriteDirect is a positioned write that bypasses the mapping.
func (p *MmapPager) WriteDirect(data []byte, startPageNumber int64, pagesToWrite int) error {
	toWrite := pagesToWrite * pageSize
	if len(data) < toWrite {
		return errors.Errorf("%s: write of %d pages from a %d byte buffer", p.name, pagesToWrite, len(data))
	}
	if startPageNumber < 0 || startPageNumber+int64(pagesToWrite) > p.NumberOfAllocatedPages() {
		return errors.Wrapf(ErrPageOutOfRange, "%s: write pages [%d, %d) of %d", p.name,
			startPageNumber, startPageNumber+int64(pagesToWrite), p.NumberOfAllocatedPages())
	}
	if _, err := p.file.WriteAt(data[:toWrite], startPageNumber*pageSize); err != nil {
		return errors.Wrapf(err, "write %s at page %d", p.path, startPageNumber)
	}
	return nil
}

func (p *MmapPager) Sync() error {
	if p.writable {
		if s := p.state.Load(); s.mapping != nil {
			if err := unix.Msync(s.mapping, unix.MS_SYNC); err != nil {
				return errors.Wrapf(err, "msync %s", p.path)
			}
		}
	}
	if err := unix.Fsync(int(p.file.Fd())); err != nil {
		return errors.Wrapf(err, "fsync %s", p.path)
	}
	return nil
}

// Close drops the pager's reference on its current state. Transactions still holding
// that state keep their mapping until they complete.
func (p *MmapPager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	err := p.state.Load().Release()
	if cerr := p.file.Close(); err == nil {
		err = cerr
	}
	if p.deleteOnClose {
		if rerr := os.Remove(p.path); err == nil && !os.IsNotExist(rerr) {
			err = rerr
		}
	}
	return err
}

func (p *MmapPager) String() string {
	return p.name
}
