// Package director drives the archiving workflow. A sweep walks the job
// directories in a fixed order, Running first, then the reviewed states,
// then New, so a single pass moves every job as far as it can go. Sweeps
// are serialized by a lock file and are safe to repeat: all state lives in
// the job files, archive records and registers on disk.
package director

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aherbert/omero-archiving/internal/archive"
	"github.com/aherbert/omero-archiving/internal/job"
	"github.com/aherbert/omero-archiving/internal/metrics"
	"github.com/aherbert/omero-archiving/internal/register"
	"github.com/aherbert/omero-archiving/pkg/types"
)

// FileProcessor archives one file, returning its new status. Implemented by
// archive.Transfer.
type FileProcessor interface {
	Process(ctx context.Context, src string) (types.Status, error)
}

// ImageTagger maintains the archival markers on source images.
type ImageTagger interface {
	ApplyMarker(ctx context.Context, marker string, imageIDs []int64) (applied, failed int, err error)
	RemoveMarker(ctx context.Context, marker string, imageIDs []int64) error
}

// Notifier sends the workflow's emails. Failures are logged, never fatal.
type Notifier interface {
	JobResult(jobPath, email string, result types.Status) error
	NewJobs(jobDir string, summaries []string) error
}

// Director orchestrates one sweep of the workflow directories.
type Director struct {
	Root    string // job root holding the New/Approved/... directories
	LogRoot string // root of the archive record tree

	Processor FileProcessor
	Tagger    ImageTagger // nil skips marker updates
	Notify    Notifier    // nil skips notifications
	Metrics   *metrics.Collector

	PendingRegister  string // register of paths queued for archiving
	ArchivedRegister string // register of paths archived
	LockFile         string

	// Now is the clock, replaceable in tests.
	Now func() time.Time

	pending  *register.Register
	archived *register.Register

	// fileStatus memoizes per-path outcomes across the jobs of one sweep, so
	// a path shared by two jobs is transferred once and both see the result.
	fileStatus map[string]types.Status
}

func (d *Director) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Director) dir(s types.Status) string {
	return filepath.Join(d.Root, string(s))
}

// checkDirs verifies the workflow directory layout exists. The directories
// are operator-managed; the sweep never creates them.
func (d *Director) checkDirs() error {
	for _, s := range types.JobStatuses {
		fi, err := os.Stat(d.dir(s))
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("director: missing job directory: %s", d.dir(s))
		}
	}
	return nil
}

// jobsIn lists the job files in a workflow directory, sorted by name so
// sweeps process jobs in a stable order.
func (d *Director) jobsIn(s types.Status) ([]string, error) {
	entries, err := os.ReadDir(d.dir(s))
	if err != nil {
		return nil, fmt.Errorf("director: read %s: %w", d.dir(s), err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		paths = append(paths, filepath.Join(d.dir(s), name))
	}
	sort.Strings(paths)
	return paths, nil
}

// Sweep runs one full pass of the workflow. It returns ErrLocked when
// another sweep holds the lock.
func (d *Director) Sweep(ctx context.Context) error {
	lock, err := AcquireLock(d.LockFile)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			slog.Error("failed to release lock file", "path", d.LockFile, "error", rerr)
		}
	}()

	if err := d.checkDirs(); err != nil {
		return err
	}
	if err := d.openRegisters(); err != nil {
		return err
	}
	d.fileStatus = make(map[string]types.Status)

	d.reconcileRegisters()

	if err := d.processRunning(ctx); err != nil {
		return err
	}
	if err := d.processApproved(ctx); err != nil {
		return err
	}
	if err := d.processDeclined(ctx); err != nil {
		return err
	}
	if err := d.processNew(); err != nil {
		return err
	}

	d.replicationSummary()
	d.updateGauges()
	return nil
}

func (d *Director) openRegisters() error {
	var err error
	d.pending, err = register.Open(d.PendingRegister, true)
	if err != nil {
		return err
	}
	d.archived, err = register.Open(d.ArchivedRegister, true)
	return err
}

// reconcileRegisters repairs the registers' one invariant: a path is pending
// or archived, never both. A transfer that finished after a crashed sweep
// can leave its path in both; the archived register wins.
func (d *Director) reconcileRegisters() {
	both := d.pending.Intersection(d.archived)
	if len(both) == 0 {
		return
	}
	slog.Warn("registers inconsistent, removing archived paths from pending",
		"count", len(both))
	if err := d.pending.RemoveAll(both); err != nil {
		slog.Error("failed to repair pending register", "error", err)
	}
}

// ----------------------------------------------------------------------------
// Running
// ----------------------------------------------------------------------------

// processRunning advances every running job. Within a job the files are
// processed in order and the first failure stops the job; the job keeps the
// partial per-file statuses so a restart resumes exactly where it stopped.
func (d *Director) processRunning(ctx context.Context) error {
	paths, err := d.jobsIn(types.StatusRunning)
	if err != nil {
		return err
	}
	for _, path := range paths {
		j, err := job.Load(path)
		if err != nil {
			slog.Error("skipping unreadable job", "path", path, "error", err)
			continue
		}
		if err := d.runJob(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

func (d *Director) runJob(ctx context.Context, j *job.JobFile) error {
	slog.Info("processing job", "job", j.Name())
	// A job moved back here by hand sheds its stale failure message.
	j.ClearError()

	files, err := j.Files()
	if err != nil {
		return d.failJob(j, err.Error())
	}

	for _, f := range files {
		if f.Status.Terminal() {
			continue
		}
		status, perr := d.processFile(ctx, f.Path)
		if perr != nil {
			j.SetFileStatus(f.Path, types.StatusError)
			return d.failJob(j, perr.Error())
		}
		j.SetFileStatus(f.Path, status)
		if status == types.StatusError {
			// A memoized failure from another job this sweep halts the
			// batch just like a fresh one: no file is archived past it.
			return d.failJob(j, fmt.Sprintf("%s failed to archive earlier this sweep", f.Path))
		}
		if status == types.StatusFinished {
			d.recordArchived(f.Path)
		}
		if err := j.Save(); err != nil {
			return err
		}
	}

	rollup, err := j.Rollup()
	if err != nil {
		return d.failJob(j, err.Error())
	}
	switch rollup {
	case types.StatusFinished:
		return d.finishJob(j)
	case types.StatusError:
		return d.failJob(j, "one or more files failed to archive")
	}
	// Still running, wait for the next sweep.
	return j.Save()
}

// processFile archives one path, memoizing the outcome for the rest of the
// sweep. A path may appear in more than one job; once resolved in a sweep
// the resolution is reused, so the transfer runs at most once per sweep.
func (d *Director) processFile(ctx context.Context, path string) (types.Status, error) {
	if status, ok := d.fileStatus[path]; ok {
		slog.Info("file already processed this sweep", "path", path, "status", status)
		return status, nil
	}

	status, err := d.Processor.Process(ctx, path)
	if err != nil {
		d.fileStatus[path] = types.StatusError
		if d.Metrics != nil {
			d.Metrics.RecordFileFailed()
		}
		return "", err
	}
	d.fileStatus[path] = status
	return status, nil
}

// recordArchived moves a finished path from the pending register to the
// archived register and counts it.
func (d *Director) recordArchived(path string) {
	if err := d.archived.Add(path); err != nil {
		slog.Error("failed to update archived register", "path", path, "error", err)
	}
	if err := d.pending.RemoveAll([]string{path}); err != nil {
		slog.Error("failed to update pending register", "path", path, "error", err)
	}
	if d.Metrics != nil {
		d.Metrics.RecordFileArchived(d.archivedBytes(path))
	}
}

// archivedBytes reads the transferred size from the archive record, best
// effort, for the byte counter.
func (d *Director) archivedBytes(path string) int64 {
	if tr, ok := d.Processor.(*archive.Transfer); ok {
		rec, err := archive.LoadRecord(d.LogRoot, path, tr.Section())
		if err == nil {
			return rec.Transfer.Size
		}
	}
	return 0
}

func (d *Director) finishJob(j *job.JobFile) error {
	j.MarkComplete(types.StatusFinished, d.now())
	if err := j.Save(); err != nil {
		return err
	}
	if err := j.MoveTo(d.dir(types.StatusFinished)); err != nil {
		return err
	}
	slog.Info("job finished", "job", j.Name())
	if d.Metrics != nil {
		d.Metrics.RecordJobFinished()
	}
	d.notifyResult(j, types.StatusFinished)
	return nil
}

func (d *Director) failJob(j *job.JobFile, msg string) error {
	j.SetError(msg)
	if err := j.Save(); err != nil {
		return err
	}
	if err := j.MoveTo(d.dir(types.StatusError)); err != nil {
		return err
	}
	slog.Error("job failed", "job", j.Name(), "error", msg)
	if d.Metrics != nil {
		d.Metrics.RecordJobError()
	}
	d.notifyResult(j, types.StatusError)
	return nil
}

func (d *Director) notifyResult(j *job.JobFile, result types.Status) {
	if d.Notify == nil {
		return
	}
	if err := d.Notify.JobResult(j.Path(), j.Info().Email, result); err != nil {
		slog.Error("failed to send job notification", "job", j.Name(), "error", err)
	}
}

// ----------------------------------------------------------------------------
// Approved
// ----------------------------------------------------------------------------

// processApproved activates reviewed jobs: the images this job tagged swap
// their pending marker for the archived marker, the job's files enter the
// pending register and the job moves to Running.
func (d *Director) processApproved(ctx context.Context) error {
	paths, err := d.jobsIn(types.StatusApproved)
	if err != nil {
		return err
	}
	for _, path := range paths {
		j, err := job.Load(path)
		if err != nil {
			slog.Error("skipping unreadable job", "path", path, "error", err)
			continue
		}
		slog.Info("approving job", "job", j.Name())

		if err := d.swapMarkers(ctx, j); err != nil {
			slog.Error("failed to update image markers", "job", j.Name(), "error", err)
			// The job still runs; markers can be fixed by hand.
		}

		files, err := j.Files()
		if err != nil {
			if ferr := d.failJob(j, err.Error()); ferr != nil {
				return ferr
			}
			continue
		}
		names := make([]string, len(files))
		for i, f := range files {
			names[i] = f.Path
		}
		if err := d.pending.AddAll(names); err != nil {
			return err
		}

		j.SetAllFileStatuses(types.StatusRunning)
		j.SetStatus(types.StatusRunning)
		if err := j.Save(); err != nil {
			return err
		}
		if err := j.MoveTo(d.dir(types.StatusRunning)); err != nil {
			return err
		}
		d.notifyResult(j, types.StatusApproved)
	}
	return nil
}

func (d *Director) swapMarkers(ctx context.Context, j *job.JobFile) error {
	if d.Tagger == nil {
		return nil
	}
	ids, err := j.NewImageIDs()
	if err != nil || len(ids) == 0 {
		return err
	}
	if err := d.Tagger.RemoveMarker(ctx, types.MarkerPending, ids); err != nil {
		return err
	}
	applied, failed, err := d.Tagger.ApplyMarker(ctx, types.MarkerArchived, ids)
	if err != nil {
		return err
	}
	slog.Info("applied archived marker", "job", j.Name(), "applied", applied, "failed", failed)
	return nil
}

// ----------------------------------------------------------------------------
// Declined
// ----------------------------------------------------------------------------

// processDeclined retires rejected jobs: markers come off the images this
// job tagged, untouched archive records are deleted, the files leave the
// pending register and the job moves to Finished marked Declined.
func (d *Director) processDeclined(ctx context.Context) error {
	paths, err := d.jobsIn(types.StatusDeclined)
	if err != nil {
		return err
	}
	for _, path := range paths {
		j, err := job.Load(path)
		if err != nil {
			slog.Error("skipping unreadable job", "path", path, "error", err)
			continue
		}
		slog.Info("declining job", "job", j.Name())

		if d.Tagger != nil {
			ids, ierr := j.NewImageIDs()
			if ierr == nil && len(ids) > 0 {
				for _, marker := range []string{types.MarkerPending, types.MarkerNote} {
					if merr := d.Tagger.RemoveMarker(ctx, marker, ids); merr != nil {
						slog.Error("failed to remove marker", "job", j.Name(), "marker", marker, "error", merr)
					}
				}
			}
		}

		files, ferr := j.Files()
		if ferr != nil {
			slog.Error("cannot list job files", "job", j.Name(), "error", ferr)
		}
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, f.Path)
			d.removeRecord(f.Path)
		}
		if err := d.pending.RemoveAll(names); err != nil {
			return err
		}

		j.SetAllFileStatuses(types.StatusDeclined)
		j.MarkComplete(types.StatusDeclined, d.now())
		if err := j.Save(); err != nil {
			return err
		}
		if err := j.MoveTo(d.dir(types.StatusFinished)); err != nil {
			return err
		}
		d.notifyResult(j, types.StatusDeclined)
	}
	return nil
}

// removeRecord deletes the archive record for a declined path. A record
// showing transfer activity is kept for the operator: deleting it would
// orphan a copy that may already sit in the archive.
func (d *Director) removeRecord(path string) {
	section := types.SectionFileArchiver
	if tr, ok := d.Processor.(*archive.Transfer); ok {
		section = tr.Section()
	}
	rec, err := archive.LoadRecord(d.LogRoot, path, section)
	if err != nil {
		if !errors.Is(err, archive.ErrRecordNotFound) {
			slog.Error("cannot load archive record", "path", path, "error", err)
		}
		return
	}
	if rec.TransferStarted() {
		slog.Warn("keeping archive record, transfer has started", "path", rec.Path())
		return
	}
	if err := rec.Delete(); err != nil {
		slog.Error("cannot delete archive record", "path", rec.Path(), "error", err)
	}
}

// ----------------------------------------------------------------------------
// New
// ----------------------------------------------------------------------------

// processNew mails the operators one summary of the jobs waiting for review.
func (d *Director) processNew() error {
	paths, err := d.jobsIn(types.StatusNew)
	if err != nil {
		return err
	}
	if len(paths) == 0 || d.Notify == nil {
		return nil
	}

	summaries := make([]string, 0, len(paths))
	for _, path := range paths {
		j, err := job.Load(path)
		if err != nil {
			summaries = append(summaries, filepath.Base(path))
			continue
		}
		info := j.Info()
		summaries = append(summaries,
			fmt.Sprintf("%s : %s : %s", j.Name(), info.Omename, info.TotalSize))
	}
	if err := d.Notify.NewJobs(d.dir(types.StatusNew), summaries); err != nil {
		slog.Error("failed to send new job summary", "error", err)
	}
	return nil
}

// replicationSummary tallies the replication state of every path still in
// the pending register, from the archive records, at the end of an appliance
// sweep. Advisory only: logged and exported, never acted on.
func (d *Director) replicationSummary() {
	tr, ok := d.Processor.(*archive.Transfer)
	if !ok || tr.Remote == nil {
		return
	}

	type tally struct {
		files int
		bytes int64
	}
	states := make(map[string]*tally)
	for _, path := range d.pending.Items() {
		rec, err := archive.LoadRecord(d.LogRoot, path, tr.Section())
		if err != nil {
			continue
		}
		state := rec.Transfer.State
		if state == "" {
			state = "unknown"
		}
		tl := states[state]
		if tl == nil {
			tl = &tally{}
			states[state] = tl
		}
		tl.files++
		tl.bytes += rec.Source.Bytes
	}

	if d.Metrics != nil {
		d.Metrics.ResetReplication()
	}
	for state, tl := range states {
		slog.Info("replication state", "state", state, "files", tl.files, "bytes", tl.bytes)
		if d.Metrics != nil {
			d.Metrics.SetReplication(state, tl.files, tl.bytes)
		}
	}
}

// ----------------------------------------------------------------------------
// Restart and status
// ----------------------------------------------------------------------------

// Restart moves jobs in the Error directory back to Running with their
// failed files reset, the recovery path after an operator has fixed the
// underlying fault. With no names every Error job is restarted; otherwise
// only the named job files are. It returns the number of jobs restarted.
func (d *Director) Restart(names ...string) (int, error) {
	if err := d.checkDirs(); err != nil {
		return 0, err
	}
	paths, err := d.jobsIn(types.StatusError)
	if err != nil {
		return 0, err
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[filepath.Base(name)] = true
	}

	restarted := 0
	for _, path := range paths {
		if len(wanted) > 0 && !wanted[filepath.Base(path)] {
			continue
		}
		delete(wanted, filepath.Base(path))
		j, err := job.Load(path)
		if err != nil {
			slog.Error("skipping unreadable job", "path", path, "error", err)
			continue
		}
		files, running := j.Restart()
		if err := j.Save(); err != nil {
			return restarted, err
		}
		if running == 0 {
			slog.Warn("job has no files to run", "job", j.Name())
			continue
		}
		if err := j.MoveTo(d.dir(types.StatusRunning)); err != nil {
			return restarted, err
		}
		slog.Info("job restarted", "job", j.Name(), "reset", files, "running", running)
		restarted++
	}

	// Named jobs not found in Error: already running is fine, absent is not.
	for name := range wanted {
		if _, err := os.Stat(filepath.Join(d.dir(types.StatusRunning), name)); err == nil {
			slog.Info("job already running", "job", name)
			continue
		}
		return restarted, fmt.Errorf("director: no such job in %s: %s", d.dir(types.StatusError), name)
	}
	return restarted, nil
}

// RegisterSizes reports how many paths sit in the pending and archived
// registers.
func (d *Director) RegisterSizes() (pending, archived int, err error) {
	p, err := register.Open(d.PendingRegister, true)
	if err != nil {
		return 0, 0, err
	}
	a, err := register.Open(d.ArchivedRegister, true)
	if err != nil {
		return 0, 0, err
	}
	return p.Size(), a.Size(), nil
}

// Counts returns the number of job files in each workflow directory.
func (d *Director) Counts() (map[types.Status]int, error) {
	if err := d.checkDirs(); err != nil {
		return nil, err
	}
	counts := make(map[types.Status]int, len(types.JobStatuses))
	for _, s := range types.JobStatuses {
		paths, err := d.jobsIn(s)
		if err != nil {
			return nil, err
		}
		counts[s] = len(paths)
	}
	return counts, nil
}

func (d *Director) updateGauges() {
	if d.Metrics == nil {
		return
	}
	for _, s := range types.JobStatuses {
		paths, err := d.jobsIn(s)
		if err != nil {
			continue
		}
		d.Metrics.SetJobCount(s, len(paths))
	}
}
