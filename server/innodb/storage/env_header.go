package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/logger"
	"github.com/zhukovaskychina/xkv/util"
)

const (
	envHeaderMagic   uint64 = 0x5244484E4556584B // "KXVENHDR"
	envHeaderVersion uint32 = 1
	envHeaderSize           = 48

	headerFileOne = "headers.one"
	headerFileTwo = "headers.two"
)

// EnvHeader is the durable environment state. Two copies are kept and written in
// turn, so a torn write leaves the previous copy intact.
type EnvHeader struct {
	Revision                uint64
	LastSyncedTransactionID int64
	LastSyncedJournal       int64
	LastPageNumber          int64
}

func (h *EnvHeader) encode() []byte {
	buf := make([]byte, 0, envHeaderSize)
	buf = util.WriteUB8(buf, envHeaderMagic)
	buf = util.WriteUB4(buf, envHeaderVersion)
	buf = util.WriteUB8(buf, h.Revision)
	buf = util.WriteUB8Long(buf, h.LastSyncedTransactionID)
	buf = util.WriteUB8Long(buf, h.LastSyncedJournal)
	buf = util.WriteUB8Long(buf, h.LastPageNumber)
	return util.WriteUB4(buf, util.Checksum32(buf))
}

func decodeEnvHeader(buf []byte) (*EnvHeader, error) {
	if len(buf) < envHeaderSize {
		return nil, errors.Errorf("header is %d bytes, expected %d", len(buf), envHeaderSize)
	}
	cursor, magic := util.ReadUB8(buf, 0)
	if magic != envHeaderMagic {
		return nil, errors.Errorf("bad header magic %x", magic)
	}
	if _, crc := util.ReadUB4(buf, envHeaderSize-4); crc != util.Checksum32(buf[:envHeaderSize-4]) {
		return nil, errors.Errorf("header checksum mismatch: %08x", crc)
	}
	cursor, version := util.ReadUB4(buf, cursor)
	if version != envHeaderVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", version)
	}

	h := &EnvHeader{}
	cursor, h.Revision = util.ReadUB8(buf, cursor)
	cursor, h.LastSyncedTransactionID = util.ReadUB8Long(buf, cursor)
	cursor, h.LastSyncedJournal = util.ReadUB8Long(buf, cursor)
	_, h.LastPageNumber = util.ReadUB8Long(buf, cursor)
	return h, nil
}

// headerAccessor reads and writes the two header copies in dir.
type headerAccessor struct {
	mu      sync.Mutex
	dir     string
	current EnvHeader
}

// readHeader loads the newest valid copy. A directory with neither copy yields a fresh
// header and isNew.
func readHeader(dir string) (acc *headerAccessor, isNew bool, err error) {
	var best *EnvHeader
	found := 0
	for _, name := range []string{headerFileOne, headerFileTwo} {
		buf, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, false, errors.Wrapf(err, "read %s", name)
		}
		found++
		h, err := decodeEnvHeader(buf)
		if err != nil {
			if errors.Cause(err) == ErrUnsupportedVersion {
				return nil, false, err
			}
			logger.Warnf("environment header %s is invalid, using the other copy: %v", name, err)
			continue
		}
		if best == nil || h.Revision > best.Revision {
			best = h
		}
	}

	switch {
	case best != nil:
		return &headerAccessor{dir: dir, current: *best}, false, nil
	case found > 0:
		return nil, false, ErrCorruptHeader
	default:
		return &headerAccessor{dir: dir, current: EnvHeader{LastSyncedJournal: 1, LastPageNumber: -1}}, true, nil
	}
}

func (a *headerAccessor) Get() EnvHeader {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Modify applies fn to a copy of the header and persists it over the older copy.
func (a *headerAccessor) Modify(fn func(h *EnvHeader)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.current
	fn(&next)
	next.Revision = a.current.Revision + 1

	name := headerFileOne
	if next.Revision%2 == 0 {
		name = headerFileTwo
	}
	path := filepath.Join(a.dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	if _, err := f.Write(next.encode()); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", path)
	}

	a.current = next
	return nil
}
