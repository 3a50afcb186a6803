package storage

import "github.com/pkg/errors"

var (
	ErrEnvironmentClosed     = errors.New("storage: environment closed")
	ErrCorruptHeader         = errors.New("storage: both environment headers are corrupted")
	ErrUnsupportedVersion    = errors.New("storage: unsupported environment version")
	ErrPageNotFound          = errors.New("storage: page not found")
	ErrJournalNotFound       = errors.New("storage: journal not found")
	ErrPageNumberOutOfBounds = errors.New("storage: page number beyond the last allocated page")
)
