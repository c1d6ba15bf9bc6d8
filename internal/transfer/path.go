package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	partialName = "partial"
	backupName  = "backup"
)

// Path locates the files of a transfer. While running, the destination is a
// directory holding the partial file and its backup; once finished, the
// partial file replaces the directory.
type Path struct {
	dest string
}

// NewPath returns the paths of a transfer into dest.
func NewPath(dest string) Path {
	return Path{dest: filepath.Clean(dest)}
}

// Destination is the final location of the file.
func (p Path) Destination() string {
	return p.dest
}

// Partial is the preallocated file being filled.
func (p Path) Partial() string {
	return filepath.Join(p.dest, partialName)
}

// Backup is the file describing how to resume the transfer.
func (p Path) Backup() string {
	return filepath.Join(p.dest, backupName)
}

func (p Path) temporary() string {
	return filepath.Join(filepath.Dir(p.dest), ".transfer-"+filepath.Base(p.dest)+".tmp")
}

// CheckResult classifies what is found at a transfer destination.
type CheckResult int

const (
	// CheckInvalid means the destination is not a transfer (anymore).
	CheckInvalid CheckResult = iota
	// CheckRunning transfers have a usable backup and can be recovered.
	CheckRunning
	// CheckAborted transfers failed and are marked by an empty backup.
	CheckAborted
	// CheckFinished transfers are complete but not moved into place yet.
	CheckFinished
)

func (c CheckResult) String() string {
	switch c {
	case CheckRunning:
		return "running"
	case CheckAborted:
		return "aborted"
	case CheckFinished:
		return "finished"
	default:
		return "invalid"
	}
}

// Check inspects the transfer at dest.
func Check(afs afero.Fs, dest string) CheckResult {
	p := NewPath(dest)

	info, err := afs.Stat(p.Destination())
	if err != nil || !info.IsDir() {
		return CheckInvalid
	}

	if _, err := afs.Stat(p.Partial()); err != nil {
		return CheckInvalid
	}

	backup, err := afs.Stat(p.Backup())

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return CheckFinished
	case err != nil:
		return CheckInvalid
	case backup.Size() == 0:
		return CheckAborted
	default:
		return CheckRunning
	}
}

// Finalize moves a finished partial file into the place of its transfer
// directory.
func Finalize(afs afero.Fs, p Path) error {
	tmp := p.temporary()
	_ = afs.Remove(tmp)

	if err := afs.Rename(p.Partial(), tmp); err != nil {
		return &StorageError{Operation: "finalize", Path: p.Partial(), Err: err}
	}

	if err := afs.Remove(p.Backup()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Operation: "finalize", Path: p.Backup(), Err: err}
	}

	if err := afs.Remove(p.Destination()); err != nil {
		return &StorageError{Operation: "finalize", Path: p.Destination(), Err: err}
	}

	if err := afs.Rename(tmp, p.Destination()); err != nil {
		return &StorageError{Operation: "finalize", Path: tmp, Err: err}
	}

	return nil
}

// RemoveAborted deletes everything a failed transfer left behind. The backup
// is only removed once the partial file is gone, so a partial file in use
// stays marked as failed.
func RemoveAborted(afs afero.Fs, p Path) error {
	if err := afs.Remove(p.Partial()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Operation: "remove", Path: p.Partial(), Err: err}
	}

	if err := afs.Remove(p.Backup()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Operation: "remove", Path: p.Backup(), Err: err}
	}

	if err := afs.Remove(p.Destination()); err != nil {
		return &StorageError{Operation: "remove", Path: p.Destination(), Err: err}
	}

	return nil
}

// StoreIndex appends dest to the transfer index.
func StoreIndex(afs afero.Fs, indexPath, dest string) error {
	f, err := afs.OpenFile(indexPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open transfer index: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, dest); err != nil {
		return fmt.Errorf("failed to write transfer index: %w", err)
	}

	return nil
}

// ReadIndex returns the destinations recorded in the transfer index. A missing
// index holds no transfers.
func ReadIndex(afs afero.Fs, indexPath string) ([]string, error) {
	f, err := afs.Open(indexPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open transfer index: %w", err)
	}
	defer f.Close()

	var (
		paths []string
		seen  = make(map[string]struct{})
	)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if _, ok := seen[line]; ok {
			continue
		}

		seen[line] = struct{}{}
		paths = append(paths, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transfer index: %w", err)
	}

	return paths, nil
}

// RewriteIndex replaces the transfer index with dests.
func RewriteIndex(afs afero.Fs, indexPath string, dests []string) error {
	if len(dests) == 0 {
		if err := afs.Remove(indexPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove transfer index: %w", err)
		}

		return nil
	}

	var b strings.Builder
	for _, dest := range dests {
		b.WriteString(dest)
		b.WriteByte('\n')
	}

	tmp := indexPath + ".tmp"

	if err := afero.WriteFile(afs, tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write transfer index: %w", err)
	}

	if err := afs.Rename(tmp, indexPath); err != nil {
		return fmt.Errorf("failed to replace transfer index: %w", err)
	}

	return nil
}
