package pager

import "errors"

var (
	ErrCannotShrink            = errors.New("pager: cannot set the length to less than the current length")
	ErrUnalignedLength         = errors.New("pager: length is not a multiple of the page size")
	ErrPageOutOfRange          = errors.New("pager: page is outside the mapped range")
	ErrDirectWriteNotSupported = errors.New("pager: pager does not offer writing directly to a page")
	ErrStateReleased           = errors.New("pager: pager state already released")
	ErrPagerClosed             = errors.New("pager: pager is closed")
)
