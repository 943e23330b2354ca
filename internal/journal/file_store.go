package journal

// ============================================================================
// File Journal Backend
// Layout per run:
//   <root>/<runId>/LOCK                             single-writer lock
//   <root>/<runId>/journal/000001.<uuidv7>.json    one event per file
//   <root>/<runId>/blobs/<sha256hex>.json          content-addressed payloads
//   <root>/<runId>/audit.jsonl                     late outcomes (append-only)
// Writes go through temp file + fsync + rename + directory fsync.
// ============================================================================

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/procjournal/internal/logging"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

const (
	journalDirName = "journal"
	blobsDirName   = "blobs"
	auditFileName  = "audit.jsonl"
	lockFileName   = "LOCK"
	tmpPrefix      = ".tmp-"
)

var log = logging.Component("journal")

// FileBackend stores each run in its own directory under Root.
type FileBackend struct {
	Root string
}

// NewFileBackend creates the root directory if needed.
func NewFileBackend(root string) (*FileBackend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("journal: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create root: %w", err)
	}
	return &FileBackend{Root: root}, nil
}

// RunDir returns the directory of one run.
func (b *FileBackend) RunDir(runID types.RunID) string {
	return filepath.Join(b.Root, string(runID))
}

func (b *FileBackend) Create(ctx context.Context, runID types.RunID) (Store, error) {
	dir := b.RunDir(runID)
	if _, err := os.Stat(filepath.Join(dir, journalDirName)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	for _, d := range []string{dir, filepath.Join(dir, journalDirName), filepath.Join(dir, blobsDirName)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create %s: %w", d, err)
		}
	}
	if err := syncDir(b.Root); err != nil {
		return nil, err
	}
	return openFileStore(dir)
}

func (b *FileBackend) Open(ctx context.Context, runID types.RunID) (Store, error) {
	dir := b.RunDir(runID)
	if _, err := os.Stat(filepath.Join(dir, journalDirName)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	return openFileStore(dir)
}

func (b *FileBackend) OpenReader(ctx context.Context, runID types.RunID) (Store, error) {
	dir := b.RunDir(runID)
	if _, err := os.Stat(filepath.Join(dir, journalDirName)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	return &FileStore{dir: dir, readOnly: true}, nil
}

func (b *FileBackend) List(ctx context.Context) ([]types.RunID, error) {
	entries, err := os.ReadDir(b.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]types.RunID, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(b.Root, e.Name(), journalDirName)); err != nil {
			continue
		}
		ids = append(ids, types.RunID(e.Name()))
	}
	return ids, nil
}

func (b *FileBackend) Close() error { return nil }

// ============================================================================
// FileStore
// ============================================================================

// FileStore is the single writer of one run directory.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	lock     *os.File
	nextSeq  uint64
	closed   bool
	readOnly bool
}

func openFileStore(dir string) (*FileStore, error) {
	lock, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open lock: %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrWriterLocked, dir)
		}
		return nil, fmt.Errorf("journal: flock: %w", err)
	}

	s := &FileStore{dir: dir, lock: lock}
	names, err := s.eventFiles()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.nextSeq = 1
	if n := len(names); n > 0 {
		s.nextSeq = names[n-1].seq + 1
	}
	s.removeTempFiles()
	return s, nil
}

type eventFile struct {
	seq  uint64
	name string
}

// parseEventName accepts "<seq>.<id>.json" where seq has at least six digits.
func parseEventName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, tmpPrefix) {
		return 0, false
	}
	parts := strings.SplitN(strings.TrimSuffix(name, ".json"), ".", 2)
	if len(parts) != 2 || len(parts[0]) < 6 || parts[1] == "" {
		return 0, false
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil || seq == 0 {
		return 0, false
	}
	return seq, true
}

// eventFiles lists event files sorted numerically by position, so names past 999999
// still order correctly.
func (s *FileStore) eventFiles() ([]eventFile, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, journalDirName))
	if err != nil {
		return nil, fmt.Errorf("journal: list events: %w", err)
	}
	files := make([]eventFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seq, ok := parseEventName(e.Name()); ok {
			files = append(files, eventFile{seq: seq, name: e.Name()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })
	return files, nil
}

func (s *FileStore) removeTempFiles() {
	for _, sub := range []string{journalDirName, blobsDirName} {
		matches, _ := filepath.Glob(filepath.Join(s.dir, sub, tmpPrefix+"*"))
		for _, m := range matches {
			if err := os.Remove(m); err == nil {
				log.Debug("removed leftover temp file", "path", m)
			}
		}
	}
}

func (s *FileStore) Append(ctx context.Context, ev Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.readOnly {
		return 0, ErrReadOnly
	}

	seq := s.nextSeq
	dir := filepath.Join(s.dir, journalDirName)
	existing, _ := filepath.Glob(filepath.Join(dir, fmt.Sprintf("%06d.*.json", seq)))
	if len(existing) > 0 {
		return 0, fmt.Errorf("%w: seq=%d already written", ErrConcurrentWriter, seq)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("journal: marshal event: %w", err)
	}
	name := fmt.Sprintf("%06d.%s.json", seq, uuid.Must(uuid.NewV7()))
	if err := writeFileAtomic(dir, name, append(data, '\n')); err != nil {
		return 0, fmt.Errorf("journal: append seq=%d: %w", seq, err)
	}
	s.nextSeq++
	return seq, nil
}

func (s *FileStore) ReadAll(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	files, err := s.eventFiles()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(files))
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		want := uint64(i) + 1
		if f.seq != want {
			return nil, &IntegrityError{Seq: want, Reason: fmt.Sprintf("missing event, next file is %s", f.name)}
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, journalDirName, f.name))
		if err != nil {
			return nil, fmt.Errorf("journal: read %s: %w", f.name, err)
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, &CorruptionError{Seq: f.seq, Name: f.name, Cause: err}
		}
		if err := VerifyChecksum(f.seq, ev); err != nil {
			return nil, err
		}
		records = append(records, Record{Seq: f.seq, Event: ev})
	}
	return records, nil
}

func (s *FileStore) AppendAudit(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("journal: marshal audit event: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, auditFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("journal: write audit log: %w", err)
	}
	return f.Sync()
}

func (s *FileStore) ReadAudit(ctx context.Context) ([]Event, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, auditFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: read audit log: %w", err)
	}
	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			// A torn final line is expected after a crash mid-write.
			log.Warn("skipping unreadable audit line", "dir", s.dir, "line", line, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

func (s *FileStore) PutBlob(ctx context.Context, data []byte) (string, error) {
	if s.readOnly {
		return "", ErrReadOnly
	}
	ref := BlobRef(data)
	digest, _ := parseRef(ref)
	dir := filepath.Join(s.dir, blobsDirName)
	if _, err := os.Stat(filepath.Join(dir, digest+".json")); err == nil {
		return ref, nil
	}
	if err := writeFileAtomic(dir, digest+".json", data); err != nil {
		return "", fmt.Errorf("journal: put blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, blobsDirName, digest+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
		}
		return nil, fmt.Errorf("journal: get blob: %w", err)
	}
	if err := verifyBlob(ref, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Close releases the writer lock.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.lock == nil {
		return nil
	}
	_ = unix.Flock(int(s.lock.Fd()), unix.LOCK_UN)
	return s.lock.Close()
}

// ============================================================================
// Durable file helpers
// ============================================================================

// writeFileAtomic writes dir/name so that readers see either nothing or the full content.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, tmpPrefix+name+"-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		cleanup()
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("journal: sync dir %s: %w", dir, err)
	}
	return nil
}
