// Package blockstorage turns a single file into an array of fixed-size,
// optionally encrypted blocks.
//
// Block 0 holds the init record and the header region; data blocks are
// numbered 1..Count() and live at id*PhysicalBlockSize.
package blockstorage

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/pagekv/core/dberror"
	"github.com/sushant-115/pagekv/core/security/encryption"
	"go.uber.org/zap"
)

// Options configures Create and Open.
type Options struct {
	// Password enables encryption when non-empty.
	Password string
	Logger   *zap.Logger
}

// Storage is a block device emulated over one file.
type Storage struct {
	path   string
	file   *os.File
	init   initRecord
	header headerRegion
	cipher *encryption.BlockCipher
	logger *zap.Logger
	mu     sync.Mutex
}

// Create creates a new store at path. It fails if the file already exists.
func Create(path string, opts Options) (*Storage, error) {
	salt, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("%w: generating salt: %v", dberror.ErrIO, err)
	}
	s := &Storage{
		path:   path,
		logger: namedLogger(opts.Logger),
		init:   initRecord{version: FormatVersion, salt: salt},
	}
	if opts.Password != "" {
		s.init.flags |= flagEncrypted
		if s.cipher, err = encryption.NewBlockCipher(opts.Password, salt[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", dberror.ErrSecurity, err)
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dberror.ErrIO, err)
	}
	s.file = file

	block := make([]byte, PhysicalBlockSize)
	s.init.marshal(block[:initRecordSize])
	if _, err := file.WriteAt(block, 0); err != nil {
		s.abortCreate()
		return nil, fmt.Errorf("%w: writing init record: %v", dberror.ErrIO, err)
	}
	if err := s.writeHeader(); err != nil {
		s.abortCreate()
		return nil, err
	}

	s.logger.Info("Created block storage",
		zap.String("path", path),
		zap.String("id", salt.String()),
		zap.Bool("encrypted", s.cipher != nil))
	return s, nil
}

// Open opens an existing store. The presence of opts.Password must match the
// way the store was created.
func Open(path string, opts Options) (*Storage, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dberror.ErrIO, err)
	}
	s := &Storage{path: path, file: file, logger: namedLogger(opts.Logger)}
	if err := s.load(opts.Password); err != nil {
		_ = file.Close()
		return nil, err
	}
	s.logger.Info("Opened block storage",
		zap.String("path", path),
		zap.String("id", s.init.salt.String()),
		zap.Bool("encrypted", s.cipher != nil),
		zap.Uint64("blocks", s.header.count))
	return s, nil
}

func (s *Storage) load(password string) error {
	block := make([]byte, PhysicalBlockSize)
	n, err := s.file.ReadAt(block, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: reading header block: %v", dberror.ErrIO, err)
	}
	if n < headerRegionOff+headerRegionSize {
		return fmt.Errorf("%w: file too short (%d bytes)", dberror.ErrFormat, n)
	}
	if err := s.init.unmarshal(block[:initRecordSize]); err != nil {
		return err
	}

	switch {
	case s.init.encrypted() && password == "":
		return fmt.Errorf("%w: store is encrypted, password required", dberror.ErrSecurity)
	case !s.init.encrypted() && password != "":
		return fmt.Errorf("%w: store is not encrypted, password given", dberror.ErrSecurity)
	case password != "":
		if s.cipher, err = encryption.NewBlockCipher(password, s.init.salt[:]); err != nil {
			return fmt.Errorf("%w: %v", dberror.ErrSecurity, err)
		}
	}

	region := block[headerRegionOff : headerRegionOff+headerRegionSize]
	if s.cipher != nil {
		if err := s.cipher.Decrypt(region, region); err != nil {
			return fmt.Errorf("%w: %v", dberror.ErrSecurity, err)
		}
	}
	if !s.header.unmarshal(region) {
		if s.cipher != nil {
			return fmt.Errorf("%w: header digest mismatch (wrong password?)", dberror.ErrSecurity)
		}
		return fmt.Errorf("%w: header digest mismatch", dberror.ErrCorruption)
	}
	if s.header.count > math.MaxUint32 {
		return fmt.Errorf("%w: block count %d out of range", dberror.ErrCorruption, s.header.count)
	}

	fi, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", dberror.ErrIO, err)
	}
	if want := int64(s.header.count+1) * PhysicalBlockSize; fi.Size() < want {
		return fmt.Errorf("%w: file holds %d bytes, header needs %d", dberror.ErrCorruption, fi.Size(), want)
	}
	return nil
}

// abortCreate removes a partially written file.
func (s *Storage) abortCreate() {
	_ = s.file.Close()
	_ = os.Remove(s.path)
	s.file = nil
}

// ID returns the identity assigned to the store at creation time.
func (s *Storage) ID() uuid.UUID { return s.init.salt }

// Encrypted reports whether block contents are encrypted.
func (s *Storage) Encrypted() bool { return s.cipher != nil }

// Path returns the backing file path.
func (s *Storage) Path() string { return s.path }

// Count returns the number of allocated data blocks.
func (s *Storage) Count() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(s.header.count)
}

// Increase appends an empty block and returns its id.
func (s *Storage) Increase() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, dberror.ErrClosed
	}
	if s.header.count >= math.MaxUint32 {
		return 0, fmt.Errorf("%w: block id space exhausted", dberror.ErrCapacity)
	}

	id := uint32(s.header.count + 1)
	if err := s.writeBlock(id, nil); err != nil {
		return 0, err
	}
	s.header.count++
	if err := s.writeHeader(); err != nil {
		s.header.count--
		return 0, err
	}
	s.logger.Debug("Allocated block", zap.Uint32("id", id))
	return id, nil
}

// Read fills buf with the first len(buf) payload bytes of block id.
func (s *Storage) Read(id uint32, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(id, len(buf)); err != nil {
		return err
	}

	block := make([]byte, PhysicalBlockSize)
	if _, err := s.file.ReadAt(block, int64(id)*PhysicalBlockSize); err != nil {
		return fmt.Errorf("%w: reading block %d: %v", dberror.ErrIO, id, err)
	}
	if s.cipher != nil {
		if err := s.cipher.Decrypt(block, block); err != nil {
			return fmt.Errorf("%w: block %d: %v", dberror.ErrSecurity, id, err)
		}
	}
	if block[BlockSize] != blockMarker {
		if s.cipher != nil {
			return fmt.Errorf("%w: block %d failed to decrypt", dberror.ErrSecurity, id)
		}
		return fmt.Errorf("%w: block %d has no marker", dberror.ErrCorruption, id)
	}
	copy(buf, block[:len(buf)])
	return nil
}

// Write stores buf as the payload of block id. Bytes past len(buf) are zeroed.
func (s *Storage) Write(id uint32, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(id, len(buf)); err != nil {
		return err
	}
	return s.writeBlock(id, buf)
}

// ReadHead copies the head-data slot into buf.
func (s *Storage) ReadHead(buf []byte) error {
	if len(buf) > HeadDataSize {
		return fmt.Errorf("%w: head data is %d bytes, asked for %d", dberror.ErrCapacity, HeadDataSize, len(buf))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return dberror.ErrClosed
	}
	copy(buf, s.header.headData[:])
	return nil
}

// WriteHead replaces the head-data slot with buf, zero padded, and rewrites
// the header region.
func (s *Storage) WriteHead(buf []byte) error {
	if len(buf) > HeadDataSize {
		return fmt.Errorf("%w: head data is %d bytes, got %d", dberror.ErrCapacity, HeadDataSize, len(buf))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return dberror.ErrClosed
	}
	prev := s.header.headData
	clear(s.header.headData[:])
	copy(s.header.headData[:], buf)
	if err := s.writeHeader(); err != nil {
		s.header.headData = prev
		return err
	}
	return nil
}

// Sync flushes the file to stable storage.
func (s *Storage) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return dberror.ErrClosed
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", dberror.ErrIO, err)
	}
	return nil
}

// Close closes the file. Unsynced writes are not flushed.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("%w: close: %v", dberror.ErrIO, err)
	}
	s.logger.Info("Closed block storage", zap.String("path", s.path))
	return nil
}

func (s *Storage) check(id uint32, n int) error {
	if s.file == nil {
		return dberror.ErrClosed
	}
	if id == 0 || uint64(id) > s.header.count {
		return fmt.Errorf("%w: block %d (count %d)", dberror.ErrBounds, id, s.header.count)
	}
	if n > BlockSize {
		return fmt.Errorf("%w: %d bytes exceeds block size %d", dberror.ErrCapacity, n, BlockSize)
	}
	return nil
}

// writeBlock must be called with mu held.
func (s *Storage) writeBlock(id uint32, payload []byte) error {
	block := make([]byte, PhysicalBlockSize)
	copy(block, payload)
	block[BlockSize] = blockMarker
	if s.cipher != nil {
		if err := s.cipher.Encrypt(block, block); err != nil {
			return fmt.Errorf("%w: block %d: %v", dberror.ErrSecurity, id, err)
		}
	}
	if _, err := s.file.WriteAt(block, int64(id)*PhysicalBlockSize); err != nil {
		return fmt.Errorf("%w: writing block %d: %v", dberror.ErrIO, id, err)
	}
	return nil
}

// writeHeader must be called with mu held.
func (s *Storage) writeHeader() error {
	region := make([]byte, headerRegionSize)
	s.header.marshal(region)
	if s.cipher != nil {
		if err := s.cipher.Encrypt(region, region); err != nil {
			return fmt.Errorf("%w: header: %v", dberror.ErrSecurity, err)
		}
	}
	if _, err := s.file.WriteAt(region, headerRegionOff); err != nil {
		return fmt.Errorf("%w: writing header: %v", dberror.ErrIO, err)
	}
	return nil
}

func namedLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return l.Named("blockstorage")
}
