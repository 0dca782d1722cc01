// Package spool implements the four-directory disk queue described in
// spec.md §4.3-§4.5: incoming/, processing/, done/, failed/, with
// mutual exclusion provided entirely by atomic rename rather than
// locks, and durability provided by fsync-before-rename on enqueue.
package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"

	"github.com/nyxmail/bouncer/bouncererr"
)

// ErrNotFound is returned by CheckOut when the named object is not (or
// is no longer) present in incoming/ — the normal outcome of losing a
// race against another worker or the object having already moved on.
var ErrNotFound = errors.New("spool object not found")

var uuidFilenamePattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.eml$`)

// IsObjectFilename reports whether name is a well-formed "<uuid>.eml"
// spool object name, the filter the watcher and scanner both apply.
func IsObjectFilename(name string) bool {
	return uuidFilenamePattern.MatchString(name)
}

// Spool owns the four sibling directories under root.
type Spool struct {
	root          string
	incomingDir   string
	processingDir string
	doneDir       string
	failedDir     string
}

// Open ensures the four spool directories exist under root and returns a
// handle to them.
func Open(root string) (*Spool, error) {
	s := &Spool{
		root:          root,
		incomingDir:   filepath.Join(root, "incoming"),
		processingDir: filepath.Join(root, "processing"),
		doneDir:       filepath.Join(root, "done"),
		failedDir:     filepath.Join(root, "failed"),
	}
	for _, dir := range []string{s.incomingDir, s.processingDir, s.doneDir, s.failedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("spool: create %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Spool) IncomingDir() string { return s.incomingDir }

// Root returns the spool's root directory, for admin-tool reporting.
func (s *Spool) Root() string { return s.root }

// Enqueue durably writes body as a new spool object and returns its
// UUID. It writes to a temp file in incoming/, fsyncs the file, fsyncs
// the containing directory, then renames into place — only after the
// rename returns does the caller's ACK become valid, per spec.md §4.3.
func (s *Spool) Enqueue(body []byte) (string, error) {
	id := uuid.New().String()
	finalPath := filepath.Join(s.incomingDir, id+".eml")

	tmp, err := os.CreateTemp(s.incomingDir, ".enqueue-*")
	if err != nil {
		return "", fmt.Errorf("spool: create temp file: %w: %w", bouncererr.ErrSpoolDurability, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("spool: write: %w: %w", bouncererr.ErrSpoolDurability, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("spool: fsync file: %w: %w", bouncererr.ErrSpoolDurability, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("spool: close: %w: %w", bouncererr.ErrSpoolDurability, err)
	}

	if err := fsyncDir(s.incomingDir); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("spool: fsync directory: %w: %w", bouncererr.ErrSpoolDurability, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("spool: rename into incoming: %w: %w", bouncererr.ErrSpoolDurability, err)
	}

	// The rename itself must be durable too, or a crash immediately
	// after could leave incoming/ without the object an ACK promised.
	if err := fsyncDir(s.incomingDir); err != nil {
		return "", fmt.Errorf("spool: fsync directory after rename: %w: %w", bouncererr.ErrSpoolDurability, err)
	}

	return id, nil
}

// CheckOut moves id from incoming/ to processing/, the sole point of
// mutual exclusion between workers. ErrNotFound means another worker
// (or a prior run) already claimed it; callers should skip silently.
func (s *Spool) CheckOut(id string) error {
	src := filepath.Join(s.incomingDir, id+".eml")
	dst := filepath.Join(s.processingDir, id+".eml")
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("spool: checkout %s: %w", id, err)
	}
	return nil
}

// ReadProcessing reads the body of an object currently in processing/.
func (s *Spool) ReadProcessing(id string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.processingDir, id+".eml"))
}

// MarkDone moves id from processing/ to done/ after a successful
// upsert.
func (s *Spool) MarkDone(id string) error {
	return s.move(s.processingDir, s.doneDir, id)
}

// MarkFailed moves id from processing/ to failed/, a terminal state for
// unparseable bodies or permanent store errors.
func (s *Spool) MarkFailed(id string) error {
	return s.move(s.processingDir, s.failedDir, id)
}

// Retry moves id from processing/ back to incoming/ after a transient
// store failure, so the next scan (or a watcher event, if one still
// fires for the rename) picks it up again.
func (s *Spool) Retry(id string) error {
	return s.move(s.processingDir, s.incomingDir, id)
}

func (s *Spool) move(fromDir, toDir, id string) error {
	src := filepath.Join(fromDir, id+".eml")
	dst := filepath.Join(toDir, id+".eml")
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("spool: move %s: %w", id, err)
	}
	return nil
}

// Depth counts the objects currently in each of the four directories,
// for the bouncer_spool_depth gauge.
func (s *Spool) Depth() (map[string]int, error) {
	depths := make(map[string]int, 4)
	for state, dir := range map[string]string{
		"incoming":   s.incomingDir,
		"processing": s.processingDir,
		"done":       s.doneDir,
		"failed":     s.failedDir,
	} {
		n, err := countObjects(dir)
		if err != nil {
			return nil, fmt.Errorf("spool: count %s: %w", dir, err)
		}
		depths[state] = n
	}
	return depths, nil
}

// ListIncoming returns the object IDs (UUIDs, without the .eml suffix)
// currently present in incoming/, for the scanner's sweep.
func (s *Spool) ListIncoming() ([]string, error) {
	return listObjectIDs(s.incomingDir)
}

// ListProcessing returns the object IDs currently in processing/, for
// bouncer-admin's stuck-file inspection (spec.md §8 scenario S6).
func (s *Spool) ListProcessing() ([]string, error) {
	return listObjectIDs(s.processingDir)
}

// ListFailed returns the object IDs currently in failed/.
func (s *Spool) ListFailed() ([]string, error) {
	return listObjectIDs(s.failedDir)
}

// RecoverProcessing moves id from processing/ back to incoming/,
// bouncer-admin's remedy for an object stranded mid-flight by a worker
// that crashed before calling MarkDone/MarkFailed/Retry.
func (s *Spool) RecoverProcessing(id string) error {
	return s.move(s.processingDir, s.incomingDir, id)
}

// RequeueFailed moves id from failed/ back to incoming/ for a manual
// retry once the underlying issue (a bad parse, a permanent DB error)
// has been addressed out of band.
func (s *Spool) RequeueFailed(id string) error {
	return s.move(s.failedDir, s.incomingDir, id)
}

func listObjectIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("spool: read %s: %w", dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsObjectFilename(e.Name()) {
			continue
		}
		ids = append(ids, e.Name()[:len(e.Name())-len(".eml")])
	}
	return ids, nil
}

func countObjects(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && IsObjectFilename(e.Name()) {
			n++
		}
	}
	return n, nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
