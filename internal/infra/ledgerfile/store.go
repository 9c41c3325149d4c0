package ledgerfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"equiaudit/internal/domain"
	"equiaudit/internal/usecase"
)

// Store is a JSON-lines ledger file. Writers take an exclusive flock on the
// file (cross-process) and a mutex (in-process); every line is fsynced
// before Append returns. Readers never lock and only see newline-terminated
// lines.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
	// syncFile replaces f.Sync for the appended line when set.
	syncFile func(f *os.File) error
}

func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := syncDir(dir); err != nil {
		return nil, err
	}
	return &Store{path: path, logger: logger}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Append(ctx context.Context, build func(prev *domain.AuditRecord) (domain.AuditRecord, error)) (domain.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return domain.AuditRecord{}, fmt.Errorf("lock ledger: %w", err)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	data, err := io.ReadAll(f)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("read ledger: %w", err)
	}
	records, complete, err := parse(data)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	if complete < int64(len(data)) {
		s.logger.Warn("truncating torn ledger tail",
			zap.String("path", s.path),
			zap.Int64("offset", complete),
			zap.Int("bytes", len(data)-int(complete)),
		)
		if err := f.Truncate(complete); err != nil {
			return domain.AuditRecord{}, fmt.Errorf("truncate torn tail: %w", err)
		}
		if err := f.Sync(); err != nil {
			return domain.AuditRecord{}, fmt.Errorf("sync ledger: %w", err)
		}
	}

	var prev *domain.AuditRecord
	if n := len(records); n > 0 {
		prev = &records[n-1]
	}
	record, err := build(prev)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	line, err := usecase.EncodeRecord(record)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	line = append(line, '\n')
	if _, err := f.WriteAt(line, complete); err != nil {
		return domain.AuditRecord{}, s.rollback(f, complete, fmt.Errorf("write ledger: %w", err))
	}
	if err := s.sync(f); err != nil {
		return domain.AuditRecord{}, s.rollback(f, complete, fmt.Errorf("sync ledger: %w", err))
	}
	return record, nil
}

func (s *Store) sync(f *os.File) error {
	if s.syncFile != nil {
		return s.syncFile(f)
	}
	return f.Sync()
}

// rollback cuts the file back to the last durable line so a record whose
// append failed can never surface on a later read.
func (s *Store) rollback(f *os.File, offset int64, cause error) error {
	s.logger.Warn("rolling back failed ledger append",
		zap.String("path", s.path),
		zap.Int64("offset", offset),
		zap.Error(cause),
	)
	if err := f.Truncate(offset); err != nil {
		return errors.Join(cause, fmt.Errorf("truncate failed append: %w", err))
	}
	if err := f.Sync(); err != nil {
		return errors.Join(cause, fmt.Errorf("sync after truncate: %w", err))
	}
	return cause
}

func (s *Store) List(ctx context.Context) ([]domain.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	records, _, err := parse(data)
	return records, err
}

func (s *Store) Head(ctx context.Context) (*domain.AuditRecord, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	head := records[len(records)-1]
	return &head, nil
}

// parse decodes every newline-terminated line and returns the offset just
// past the last one. Bytes after that offset are a torn write.
func parse(data []byte) ([]domain.AuditRecord, int64, error) {
	var records []domain.AuditRecord
	var offset int64
	rest := data
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		line := rest[:idx]
		rest = rest[idx+1:]
		offset += int64(idx + 1)
		if len(line) == 0 {
			continue
		}
		record, err := usecase.DecodeRecord(line)
		if err != nil {
			seq := int64(len(records))
			return nil, 0, &domain.ChainBreakError{Sequence: seq, Reason: "unreadable ledger line: " + err.Error()}
		}
		records = append(records, record)
	}
	return records, offset, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync ledger dir: %w", err)
	}
	return nil
}
