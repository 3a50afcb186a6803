// Package pager maps data, journal and scratch files into memory page by page.
// Growing a pager never invalidates memory handed out under an older PagerState.
package pager

import (
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pages"
)

const pageSize = pages.PageSize

const (
	// first allocation of an empty pager
	initialGrowth = 64 * 1024
	// above this the pager grows linearly instead of doubling
	maxDoublingLength = 1024 * 1024 * 1024
)

// StateHolder is anything that pins pager states for its lifetime, normally a
// transaction. Pinned states are released when the holder completes.
type StateHolder interface {
	AddPagerState(state *PagerState)
}

// Pager is a page addressable backing store.
//
// Passing a nil state to the accessors reads through the current state. That is only
// safe for the single writer; readers should pin a state with AcquireState first.
type Pager interface {
	NumberOfAllocatedPages() int64

	// AcquireState returns the current state with an extra reference the caller
	// must Release.
	AcquireState() *PagerState

	AcquirePagePointer(pageNumber int64, state *PagerState) ([]byte, error)
	AcquirePages(pageNumber int64, count int, state *PagerState) ([]byte, error)
	Read(pageNumber int64, state *PagerState) (pages.Page, error)

	// GetWritable and AcquireWritablePages hand out memory the caller may modify.
	// Pagers with a read only mapping return ErrDirectWriteNotSupported.
	GetWritable(pageNumber int64) (pages.Page, error)
	AcquireWritablePages(pageNumber int64, count int) ([]byte, error)

	AllocateMorePages(tx StateHolder, newLength int64) error
	EnsureContinuous(tx StateHolder, requestedPageNumber int64, numberOfPages int) error

	Write(page pages.Page) error
	WriteAt(page pages.Page, pageNumber int64) error
	WriteDirect(data []byte, startPageNumber int64, pagesToWrite int) error
	Sync() error

	Close() error
	String() string
}

// nextLength doubles the allocation up to maxDoublingLength, then grows by that much.
func nextLength(current int64) int64 {
	if current < initialGrowth {
		return initialGrowth
	}
	if current < maxDoublingLength {
		return current * 2
	}
	return current + maxDoublingLength
}
