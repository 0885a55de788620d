// Package disk implements the blocking fixed-block-file contract that the
// buffer pool reads and writes pages through.
package disk

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/arvindks/gojodb/core/storage/page"
	"go.uber.org/zap"
)

// headerMagic identifies a gojodb heap file. headerSize is reserved at
// offset 0 regardless of page size so page N always lives at a fixed
// offset, matching the teacher's db-file-header convention.
const (
	headerMagic = uint32(0x676f6a6f) // "gojo"
	headerSize  = page.Size
)

// fileHeader is persisted in page slot -1 (the first headerSize bytes of
// the file) so a reopened file can validate the page size it was created
// with.
type fileHeader struct {
	Magic    uint32
	Version  uint32
	PageSize uint32
}

// Manager is the disk collaborator: a single fixed-block file addressed by
// page.ID, grounded in the teacher's btree diskmanager but stripped of
// B-tree-specific header fields (root page, degree, free-list head) since
// nothing above this layer is a B-tree.
type Manager struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int
	log      *zap.Logger
}

// NewManager opens path if it exists and validates its header, or creates
// it fresh with a newly written header.
func NewManager(path string, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{path: path, pageSize: page.Size, log: log}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	switch {
	case err == nil:
		m.file = f
		if err := m.readAndValidateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	case os.IsNotExist(err):
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return nil, fmt.Errorf("disk: create %s: %w", path, err)
		}
		m.file = f
		if err := m.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("disk: open %s: %w", path, err)
	}
	return m, nil
}

func (m *Manager) writeHeader() error {
	buf := make([]byte, headerSize)
	hdr := fileHeader{Magic: headerMagic, Version: 1, PageSize: uint32(m.pageSize)}
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.Version)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.PageSize)
	if _, err := m.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("disk: write header: %w", ErrIO)
	}
	return nil
}

func (m *Manager) readAndValidateHeader() error {
	buf := make([]byte, headerSize)
	if _, err := m.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("disk: read header: %w", ErrIO)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	pageSize := binary.LittleEndian.Uint32(buf[8:12])
	if magic != headerMagic {
		return fmt.Errorf("disk: %s is not a gojodb heap file", m.path)
	}
	if int(pageSize) != m.pageSize {
		return fmt.Errorf("disk: page size mismatch: file has %d, manager expects %d", pageSize, m.pageSize)
	}
	return nil
}

// offset returns the byte offset of page id within the file, accounting
// for the reserved header slot.
func (m *Manager) offset(id page.ID) int64 {
	return int64(headerSize) + int64(id)*int64(m.pageSize)
}

// ReadPage blocks until pageSize bytes for id have been read into buf.
func (m *Manager) ReadPage(id page.ID, buf []byte) error {
	if len(buf) != m.pageSize {
		return fmt.Errorf("disk: read buffer has length %d, want %d", len(buf), m.pageSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.file.ReadAt(buf, m.offset(id))
	if err != nil {
		m.log.Error("disk read failed", zap.Int32("page_id", int32(id)), zap.Error(err))
		return fmt.Errorf("disk: read page %d: %w", id, ErrIO)
	}
	if n != m.pageSize {
		return fmt.Errorf("disk: short read for page %d: got %d bytes", id, n)
	}
	return nil
}

// WritePage blocks until buf has been written to disk for id. It does not
// fsync; callers that need a durability boundary call Sync separately.
func (m *Manager) WritePage(id page.ID, buf []byte) error {
	if len(buf) != m.pageSize {
		return fmt.Errorf("disk: write buffer has length %d, want %d", len(buf), m.pageSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.file.WriteAt(buf, m.offset(id))
	if err != nil {
		m.log.Error("disk write failed", zap.Int32("page_id", int32(id)), zap.Error(err))
		return fmt.Errorf("disk: write page %d: %w", id, ErrIO)
	}
	if n != m.pageSize {
		return fmt.Errorf("disk: short write for page %d: wrote %d bytes", id, n)
	}
	return nil
}

// Sync flushes any OS-buffered writes to stable storage.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("disk: sync: %w", ErrIO)
	}
	return nil
}

// Shutdown closes the backing file.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Close()
}
