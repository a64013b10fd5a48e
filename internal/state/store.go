// Package state provides the durable, lock-guarded document store for
// Ralph: a single JSON file at <dataDir>/state.json holding executions,
// stories, the merge queue, archives, and runner config. Writes are
// serialized by an in-process mutex plus a cross-process advisory lock
// file, and each write re-reads the file under that lock, so several
// orchestrator processes can share one data directory without
// overwriting each other's changes. Reads are served from the in-memory
// copy (see Store).
package state

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/ralph-mcp/ralph/pkg/models"
)

const (
	documentFileName = "state.json"
	lockFileName     = "state.lock"
	backupPrefix     = documentFileName + ".backup-"

	// lockStaleAfter bounds how long a lock file may be held before a new
	// writer is allowed to steal it; protects against a crashed holder
	// permanently blocking writers.
	lockStaleAfter = 30 * time.Second

	maxWriteAttempts = 6
)

// Store is the durable state document. Mutating operations acquire both
// mu (in-process) and flock (cross-process) and re-read the file before
// touching the document. Read operations take only mu's read lock and
// serve the in-memory copy, so a change written by another process
// becomes visible to them after this process's next write.
type Store struct {
	mu   sync.RWMutex
	path string
	lock *flock.Flock

	// maxBackups bounds retained backup files; oldest by name are evicted.
	maxBackups int
	// maxArchived bounds the archive retention cap.
	maxArchived int

	doc *models.Document
}

// Open loads (or initializes) the document store rooted at dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		path:        filepath.Join(dataDir, documentFileName),
		lock:        flock.New(filepath.Join(dataDir, lockFileName)),
		maxBackups:  5,
		maxArchived: models.DefaultMaxArchivedExecutions,
	}
	if err := s.withLock(func() error {
		doc, err := s.loadLocked()
		if err != nil {
			return err
		}
		s.doc = doc
		return nil
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// SetMaxBackups overrides the retained-backup cap (default 5).
func (s *Store) SetMaxBackups(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.maxBackups = n
	}
}

// SetMaxArchived overrides the archive retention cap (default 50).
func (s *Store) SetMaxArchived(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.maxArchived = n
	}
}

// withLock runs fn holding both the in-process mutex and the
// cross-process advisory lock, after reloading s.doc from disk. fn may
// read and/or mutate s.doc; callers that mutate must call
// s.persistLocked() themselves before returning.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.acquireProcessLock()
	if err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	if locked {
		defer s.lock.Unlock()
	}
	if s.doc != nil {
		doc, err := s.loadLocked()
		if err != nil {
			return err
		}
		s.doc = doc
	}
	return fn()
}

// acquireProcessLock tries the advisory file lock with a staleness
// window: if the lock file's mtime is older than lockStaleAfter, a
// crashed holder is assumed and the lock file is removed before retrying.
func (s *Store) acquireProcessLock() (bool, error) {
	ok, err := s.lock.TryLock()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	if info, statErr := os.Stat(s.lock.Path()); statErr == nil {
		if time.Since(info.ModTime()) > lockStaleAfter {
			_ = os.Remove(s.lock.Path())
			if ok, err = s.lock.TryLock(); err == nil && ok {
				return true, nil
			}
		}
	}

	// Fall back to a blocking lock; this is a single-host advisory lock,
	// not a distributed one, so blocking briefly is acceptable.
	if err := s.lock.Lock(); err != nil {
		return false, err
	}
	return true, nil
}

// loadLocked reads and parses the document file. On parse failure the
// original file is preserved (Corruption category) and an empty default
// document is returned so callers can keep operating.
func (s *Store) loadLocked() (*models.Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.NewDocument(), nil
		}
		return nil, fmt.Errorf("read state document: %w", err)
	}
	if len(data) == 0 {
		return models.NewDocument(), nil
	}
	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		// Corruption: preserve the file (no write happens here), return
		// a fresh default so the process can continue.
		return models.NewDocument(), nil
	}
	if doc.Version == 0 {
		doc.Version = models.DocumentVersion
	}
	return normalizeDocument(&doc), nil
}

func normalizeDocument(doc *models.Document) *models.Document {
	if doc.Executions == nil {
		doc.Executions = []models.Execution{}
	}
	if doc.UserStories == nil {
		doc.UserStories = []models.UserStory{}
	}
	if doc.MergeQueue == nil {
		doc.MergeQueue = []models.MergeQueueItem{}
	}
	if doc.ArchivedExecutions == nil {
		doc.ArchivedExecutions = []models.Execution{}
	}
	if doc.ArchivedUserStories == nil {
		doc.ArchivedUserStories = []models.UserStory{}
	}
	return doc
}

// persistLocked validates, backs up, and atomically writes s.doc to
// disk. Must be called while holding both locks (i.e. from within fn
// passed to withLock). Retries transient filesystem errors with
// exponential backoff up to maxWriteAttempts.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state document: %w", err)
	}
	// Validate round-trip before touching disk.
	var probe models.Document
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("validate marshaled document: %w", err)
	}

	s.backupCurrentIfParsable()

	var writeErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if writeErr = s.writeTempAndRename(data); writeErr == nil {
			s.pruneBackups()
			return nil
		}
		backoff := time.Duration(1<<attempt) * 10 * time.Millisecond
		backoff += time.Duration(rand.Intn(10)) * time.Millisecond
		time.Sleep(backoff)
	}
	return fmt.Errorf("persist state document after %d attempts: %w", maxWriteAttempts, writeErr)
}

// backupCurrentIfParsable copies the current on-disk file to a
// timestamped backup if it still parses as JSON. An unparsable file is
// copied to state.json.corrupt-<ms> instead, which pruneBackups never
// removes, so an operator can inspect it after it is replaced.
func (s *Store) backupCurrentIfParsable() {
	data, err := os.ReadFile(s.path)
	if err != nil || len(data) == 0 {
		return
	}
	var probe models.Document
	if json.Unmarshal(data, &probe) != nil {
		corruptPath := filepath.Join(filepath.Dir(s.path), fmt.Sprintf("%s.corrupt-%d", documentFileName, time.Now().UnixMilli()))
		_ = os.WriteFile(corruptPath, data, 0o644)
		return
	}
	backupPath := filepath.Join(filepath.Dir(s.path), fmt.Sprintf("%s%d", backupPrefix, time.Now().UnixMilli()))
	_ = os.WriteFile(backupPath, data, 0o644)
}

func (s *Store) writeTempAndRename(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, documentFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *Store) pruneBackups() {
	dir := filepath.Dir(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len(backupPrefix) && e.Name()[:len(backupPrefix)] == backupPrefix {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= s.maxBackups {
		return
	}
	sort.Strings(backups)
	excess := len(backups) - s.maxBackups
	for _, name := range backups[:excess] {
		_ = os.Remove(filepath.Join(dir, name))
	}
}

// Close releases the advisory lock handle.
func (s *Store) Close() error {
	return s.lock.Close()
}
