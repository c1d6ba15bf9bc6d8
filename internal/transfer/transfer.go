// Package transfer drives resumable downloads into partial files and keeps
// the on-disk backups needed to resume them after a restart.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/monitor"
	"github.com/italolelis/transferd/internal/partialfile"
	"github.com/italolelis/transferd/internal/telemetry"
)

// StepResult is the outcome of a single download step.
type StepResult int

const (
	StepContinue StepResult = iota
	StepFinished
	StepFailedNetwork
	StepFailedStorage
	StepFailedRemote
	// StepAborted means the context of the step was cancelled. It interrupts
	// the transfer without ending it.
	StepAborted
)

func (r StepResult) String() string {
	switch r {
	case StepContinue:
		return "continue"
	case StepFinished:
		return "finished"
	case StepFailedNetwork:
		return "failed_network"
	case StepFailedStorage:
		return "failed_storage"
	case StepFailedRemote:
		return "failed_remote"
	case StepAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Download is a single running range request.
type Download interface {
	Step(ctx context.Context) StepResult
	Close() error
}

// DownloadFunc starts a download of req into file at position. A non-nil
// endRange is the last byte, inclusive, worth requesting.
type DownloadFunc func(ctx context.Context, req Request, file *partialfile.PartialFile, position uint64, endRange *uint64) (Download, error)

// State of a Transfer.
type State int

const (
	StateDownloading State = iota
	StateRetrying
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDownloading:
		return "downloading"
	case StateRetrying:
		return "retrying"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the transfer is over.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// Config tunes retries and backup updates.
type Config struct {
	// MaxRetries is the number of network failures tolerated without progress.
	MaxRetries int
	// RetryDelay is the minimal pause before a failed request is restarted.
	RetryDelay time.Duration
	// BackupUpdateInterval and BackupUpdateBytes bound how stale the state
	// stored in the backup may get.
	BackupUpdateInterval time.Duration
	BackupUpdateBytes    uint64
	// IndexPath is the file listing every transfer directory ever started.
	IndexPath string
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:           5,
		RetryDelay:           time.Second,
		BackupUpdateInterval: 5 * time.Second,
		BackupUpdateBytes:    1024 * 1024,
		IndexPath:            "transfers.idx",
	}
}

// Orchestrator begins and recovers transfers.
type Orchestrator struct {
	fs       afero.Fs
	monitor  *monitor.Monitor
	download DownloadFunc
	cfg      Config
	tel      *telemetry.Telemetry
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator. tel may be nil.
func NewOrchestrator(afs afero.Fs, mon *monitor.Monitor, download DownloadFunc, cfg Config, tel *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		fs:       afs,
		monitor:  mon,
		download: download,
		cfg:      cfg,
		tel:      tel,
		now:      time.Now,
	}
}

// Monitor returns the monitor the transfers report to.
func (o *Orchestrator) Monitor() *monitor.Monitor {
	return o.monitor
}

// Begin starts a new transfer of req into dest.
func (o *Orchestrator) Begin(ctx context.Context, typ monitor.Type, dest string, req Request) (*Transfer, error) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("starting transfer", "destination", dest, "size", humanize.Bytes(req.OrigSize))

	slot, ok := o.monitor.Allocate(typ, dest, 0)
	if !ok {
		return nil, ErrNoTransferSlot
	}

	path := NewPath(dest)

	var (
		file    *partialfile.PartialFile
		success bool
	)

	defer func() {
		if success {
			return
		}

		if file != nil {
			_ = file.Release()
		}

		slot.Close()
	}()

	if _, err := o.fs.Stat(path.Destination()); err == nil {
		return nil, &AlreadyExistsError{Path: dest}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, &StorageError{Operation: "stat_destination", Path: dest, Err: err}
	}

	created := false

	defer func() {
		if success || !created {
			return
		}

		if file != nil {
			_ = file.Release()
			file = nil
		}

		_ = o.fs.Remove(path.Partial())
		_ = o.fs.Remove(path.Backup())
		_ = o.fs.Remove(path.Destination())
	}()

	if err := o.fs.MkdirAll(filepath.Dir(path.Destination()), 0o777); err != nil {
		return nil, &StorageError{Operation: "create_parent", Path: dest, Err: err}
	}

	if err := o.fs.Mkdir(path.Destination(), 0o777); err != nil {
		return nil, &StorageError{Operation: "create_directory", Path: dest, Err: err}
	}

	created = true

	if err := StoreIndex(o.fs, o.cfg.IndexPath, path.Destination()); err != nil {
		return nil, &StorageError{Operation: "store_index", Path: o.cfg.IndexPath, Err: err}
	}

	backup, err := o.fs.Create(path.Backup())
	if err != nil {
		return nil, &StorageError{Operation: "create_backup", Path: path.Backup(), Err: err}
	}
	defer backup.Close()

	file, err = partialfile.Create(o.fs, path.Partial(), req.OrigSize)
	if err != nil {
		return nil, &StorageError{Operation: "preallocate", Path: path.Partial(), Err: err}
	}

	info := SlotInfo{ID: slot.ID(), Type: typ, Destination: dest, Expected: req.OrigSize}
	if err := MakeBackup(backup, req, file.State(), info); err != nil {
		return nil, &StorageError{Operation: "create_backup", Path: path.Backup(), Err: err}
	}

	if err := backup.Close(); err != nil {
		return nil, &StorageError{Operation: "create_backup", Path: path.Backup(), Err: err}
	}

	slot.UpdateExpectedSize(req.OrigSize)

	t := o.newTransfer(slot, path, file)
	success = true

	if err := t.restartDownload(ctx); err != nil {
		logger.Warn("failed to start download, will retry", "destination", dest, "err", err)
	}

	return t, nil
}

// Recover resumes the transfer found at dest after a restart.
func (o *Orchestrator) Recover(ctx context.Context, dest string) (*Transfer, error) {
	logger := logctx.LoggerFromContext(ctx)
	path := NewPath(dest)

	backup, err := o.readBackup(path)
	if errors.Is(err, ErrInvalidBackup) {
		logger.Error("failed to restore backup, invalidating transfer", "destination", dest, "err", err)

		// An empty backup marks the transfer as failed; cleanup removes it.
		if f, createErr := o.fs.Create(path.Backup()); createErr == nil {
			_ = f.Close()
		}

		return nil, &StorageError{Operation: "restore_backup", Path: path.Backup(), Err: err}
	}

	if err != nil {
		return nil, err
	}

	file, err := partialfile.Open(o.fs, path.Partial(), backup.PartialFileState)
	if err != nil {
		return nil, &StorageError{Operation: "open_partial", Path: path.Partial(), Err: err}
	}

	slot, ok := o.monitor.Allocate(backup.Slot.Type, dest, file.FinalSize(), monitor.WithTransferID(backup.Slot.ID))
	if !ok {
		_ = file.Release()

		return nil, ErrNoTransferSlot
	}

	state := file.State()
	slot.UpdateProgress(state, false)

	logger.Info("recovered transfer",
		"destination", dest,
		"transfer_id", backup.Slot.ID,
		"valid", humanize.Bytes(state.ValidSize()),
		"total", humanize.Bytes(state.TotalSize),
	)

	return o.newTransfer(slot, path, file), nil
}

func (o *Orchestrator) readBackup(path Path) (*Backup, error) {
	f, err := o.fs.Open(path.Backup())
	if err != nil {
		return nil, &StorageError{Operation: "open_backup", Path: path.Backup(), Err: err}
	}
	defer f.Close()

	return Restore(f)
}

func (o *Orchestrator) newTransfer(slot *monitor.Slot, path Path, file *partialfile.PartialFile) *Transfer {
	return &Transfer{
		o:           o,
		slot:        slot,
		path:        path,
		file:        file,
		state:       StateRetrying,
		retriesLeft: o.cfg.MaxRetries,
	}
}

// Transfer is a running transfer. It is driven by calling Step until the
// returned state is terminal, and must be closed afterwards.
type Transfer struct {
	o    *Orchestrator
	slot *monitor.Slot
	path Path
	file *partialfile.PartialFile

	state    State
	order    DownloadOrder
	download Download

	finalized      bool
	retriesLeft    int
	lastDownloaded uint64

	lastBackupUpdate   time.Time
	lastBackupBytes    uint64
	lastConnectionFail time.Time
	restartedByJump    bool
}

// ID returns the monitor id of the transfer.
func (t *Transfer) ID() monitor.TransferID {
	return t.slot.ID()
}

// Path returns the paths of the transfer.
func (t *Transfer) Path() Path {
	return t.path
}

// State returns the current state.
func (t *Transfer) State() State {
	return t.state
}

// PartialFileState returns the validity of the file being downloaded.
func (t *Transfer) PartialFileState() partialfile.State {
	return t.file.State()
}

// Step makes one unit of progress. While printing, network failures do not
// use up retries, so a file being printed is never given up on.
func (t *Transfer) Step(ctx context.Context, isPrinting bool) State {
	if t.state.Terminal() {
		return t.state
	}

	if t.slot.IsStopped() {
		t.done(ctx, StateFailed, monitor.Stopped)

		return t.state
	}

	if t.download == nil {
		if t.lastConnectionFail.IsZero() || t.o.now().Sub(t.lastConnectionFail) > t.o.cfg.RetryDelay {
			t.slot.UpdateProgress(t.file.State(), !t.restartedByJump)
			t.restartedByJump = false

			if err := t.restartDownload(ctx); err != nil {
				logctx.LoggerFromContext(ctx).Warn("failed to restart download",
					"destination", t.path.Destination(), "err", err)
				t.recoverableFailure(ctx, isPrinting)
			}
		}

		return t.state
	}

	result := t.download.Step(ctx)
	hasIssues := result != StepContinue && result != StepFinished

	state := t.file.State()
	if size := state.ValidSize(); size != t.lastDownloaded {
		t.lastDownloaded = size
		t.retriesLeft = t.o.cfg.MaxRetries
	}

	t.slot.UpdateProgress(state, hasIssues)

	if hasIssues {
		t.updateBackup(ctx, true)
	} else {
		t.initOrder()

		switch t.order.Step(state) {
		case ActionContinue:
		case ActionRangeJump:
			t.closeDownload()
			t.updateBackup(ctx, true)
			t.restartedByJump = true
		case ActionFinished:
			t.done(ctx, StateFinished, monitor.Finished)
			// The server may still have data for an out of order download.
			result = StepFinished
		}
	}

	switch result {
	case StepContinue:
		if t.download != nil {
			t.updateBackup(ctx, false)
		}
	case StepFailedNetwork:
		t.recoverableFailure(ctx, isPrinting)
	case StepFailedStorage:
		t.done(ctx, StateFailed, monitor.ErrorStorage)
	case StepFailedRemote:
		t.done(ctx, StateFailed, monitor.ErrorOther)
	case StepAborted:
		// The caller is going away. The backup written above lets the
		// transfer be recovered once Close keeps the files.
		t.closeDownload()
	case StepFinished:
		t.closeDownload()
	}

	return t.state
}

// Close releases the transfer. A transfer closed before reaching a terminal
// state keeps its files so it can be recovered.
func (t *Transfer) Close() error {
	t.closeDownload()

	var err error
	if !t.finalized {
		t.updateBackup(context.Background(), true)
		err = t.file.Release()
	}

	if t.finalized {
		t.slot.Close()
	} else {
		t.slot.Suspend()
	}

	return err
}

func (t *Transfer) initOrder() {
	if t.order == nil {
		t.order = NewDownloadOrder(t.path.Destination(), t.file.State())
	}
}

func (t *Transfer) restartDownload(ctx context.Context) error {
	backup, err := t.o.readBackup(t.path)
	if err != nil {
		t.lastConnectionFail = t.o.now()

		return err
	}

	t.initOrder()

	// Reopen the partial file in case the storage went away in between.
	size := t.file.FinalSize()
	_ = t.file.Release()
	state := t.file.State()

	file, err := partialfile.Open(t.o.fs, t.path.Partial(), state)
	if err != nil {
		t.lastConnectionFail = t.o.now()

		return &StorageError{Operation: "open_partial", Path: t.path.Partial(), Err: err}
	}

	if file.FinalSize() != size {
		_ = file.Release()
		t.lastConnectionFail = t.o.now()

		return &StorageError{
			Operation: "open_partial",
			Path:      t.path.Partial(),
			Err:       fmt.Errorf("size changed from %d to %d", size, file.FinalSize()),
		}
	}

	t.file = file

	position := t.order.NextOffset(state) / partialfile.SectorSize * partialfile.SectorSize

	var endRange *uint64

	if tail, ok := state.Tail(); ok && tail.End == size && position < tail.Start {
		// Stop where the tail begins, the rest is already there.
		end := tail.Start - 1
		endRange = &end
	}

	download, err := t.o.download(ctx, backup.Request, file, position, endRange)
	if err != nil {
		t.lastConnectionFail = t.o.now()

		return err
	}

	t.download = download
	t.state = StateDownloading

	logctx.LoggerFromContext(ctx).Debug("download restarted",
		"destination", t.path.Destination(),
		"position", position,
	)

	return nil
}

func (t *Transfer) closeDownload() {
	if t.download != nil {
		_ = t.download.Close()
		t.download = nil
	}
}

func (t *Transfer) updateBackup(ctx context.Context, force bool) {
	if t.finalized {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	size := t.file.State().ValidSize()

	outdated := t.lastBackupUpdate.IsZero() || t.o.now().Sub(t.lastBackupUpdate) > t.o.cfg.BackupUpdateInterval
	crossed := size > t.lastBackupBytes && size-t.lastBackupBytes > t.o.cfg.BackupUpdateBytes

	if !force && !outdated && !crossed {
		return
	}

	// Only what reached the disk may be recorded as valid.
	if err := t.file.Sync(); err != nil {
		logger.Error("failed to sync partial file", "destination", t.path.Destination(), "err", err)
	}

	state := t.file.State()
	size = state.ValidSize()

	f, err := t.o.fs.OpenFile(t.path.Backup(), os.O_RDWR, 0)
	if err != nil {
		logger.Error("failed to open backup file for update", "destination", t.path.Destination(), "err", err)

		return
	}
	defer f.Close()

	if err := UpdateBackup(f, state); err != nil {
		logger.Error("failed to update backup file", "destination", t.path.Destination(), "err", err)
	} else {
		logger.Debug("backup file updated", "destination", t.path.Destination(), "valid", humanize.Bytes(size))
		t.o.tel.RecordBackupUpdate()
	}

	t.lastBackupUpdate = t.o.now()
	t.lastBackupBytes = size
}

func (t *Transfer) recoverableFailure(ctx context.Context, isPrinting bool) {
	if t.retriesLeft <= 0 {
		t.done(ctx, StateFailed, monitor.ErrorNetwork)

		return
	}

	logctx.LoggerFromContext(ctx).Warn("network failure", "destination", t.path.Destination(), "retries_left", t.retriesLeft)

	if !isPrinting {
		t.retriesLeft--
	}

	t.slot.UpdateProgress(t.file.State(), true)
	t.state = StateRetrying
	t.restartedByJump = false
	t.lastConnectionFail = t.o.now()
	t.closeDownload()
	t.o.tel.RecordRetry()
}

func (t *Transfer) done(ctx context.Context, state State, outcome monitor.Outcome) {
	t.state = state
	t.closeDownload()

	if t.finalized {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	// The last bytes must be on disk before the file is moved or dropped.
	if err := t.file.Release(); err != nil {
		logger.Error("failed to release partial file", "destination", t.path.Destination(), "err", err)

		if state == StateFinished {
			t.state, state, outcome = StateFailed, StateFailed, monitor.ErrorStorage
		}
	}

	t.finalized = true

	if state == StateFinished {
		if err := Finalize(t.o.fs, t.path); err != nil {
			// Cleanup retries once the file is not in use anymore.
			logger.Warn("failed to move finished file into place", "destination", t.path.Destination(), "err", err)
		}
	} else {
		// Never let a failed transfer look finished: empty the backup.
		if f, err := t.o.fs.Create(t.path.Backup()); err == nil {
			_ = f.Close()
		}

		if err := RemoveAborted(t.o.fs, t.path); err != nil {
			logger.Warn("failed to remove aborted transfer", "destination", t.path.Destination(), "err", err)
		}
	}

	t.slot.Done(outcome)

	logger.Info("transfer done", "destination", t.path.Destination(), "state", state.String(), "outcome", outcome.String())
}
