package pager

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// PagerState is one mapping of a pager's backing file. The pager holds one reference
// to its current state and every transaction that observed the state holds another.
// The mapping is torn down when the last reference is released, whether or not the
// pager has already moved on to a newer state.
type PagerState struct {
	id      uuid.UUID
	owner   string
	mapping []byte
	pages   int64
	refs    int64
	release func([]byte) error
}

func newPagerState(owner string, mapping []byte, release func([]byte) error) *PagerState {
	return &PagerState{
		id:      uuid.New(),
		owner:   owner,
		mapping: mapping,
		pages:   int64(len(mapping) / pageSize),
		refs:    1, // one for the pager
		release: release,
	}
}

func (s *PagerState) ID() uuid.UUID { return s.id }

// Owner is the name of the pager that created this state.
func (s *PagerState) Owner() string { return s.owner }

// NumberOfPages is the number of pages visible through this state.
func (s *PagerState) NumberOfPages() int64 { return s.pages }

func (s *PagerState) Refs() int64 { return atomic.LoadInt64(&s.refs) }

func (s *PagerState) Released() bool { return atomic.LoadInt64(&s.refs) <= 0 }

func (s *PagerState) AddRef() {
	atomic.AddInt64(&s.refs, 1)
}

// Release drops one reference and unmaps the file when none are left.
func (s *PagerState) Release() error {
	refs := atomic.AddInt64(&s.refs, -1)
	if refs > 0 {
		return nil
	}
	if refs < 0 {
		return ErrStateReleased
	}
	mapping := s.mapping
	s.mapping = nil
	if s.release == nil || mapping == nil {
		return nil
	}
	return s.release(mapping)
}

// slice returns count pages starting at pageNumber, bounds checked against the mapping.
func (s *PagerState) slice(pageNumber int64, count int) ([]byte, error) {
	if s.Released() {
		return nil, ErrStateReleased
	}
	if pageNumber < 0 || count < 0 || pageNumber+int64(count) > s.pages {
		return nil, ErrPageOutOfRange
	}
	start := pageNumber * pageSize
	end := start + int64(count)*pageSize
	return s.mapping[start:end:end], nil
}
