// Package job reads and writes archive job files: the INI descriptor of one
// batch of files submitted for archiving together. A job file carries the
// requester metadata, the images the batch covers, and the per-file transfer
// statuses. The directory a job file sits in is its workflow state; moving
// the file is the state transition.
package job

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/ini.v1"

	"github.com/aherbert/omero-archiving/pkg/types"
)

// ErrJobNotFound indicates a job file that should exist does not.
var ErrJobNotFound = errors.New("job: file not found")

// imageIDPattern extracts the numeric image ID from an image descriptor key,
// e.g. "/Project/Dataset/name (123)".
var imageIDPattern = regexp.MustCompile(`\(([0-9]+)\)$`)

// timeLayout is the human-readable timestamp format used in job files.
const timeLayout = time.ANSIC

// Info is the typed view of the job's Info section. Free-form note keys
// copied from image annotations are preserved in the underlying document but
// are not part of this struct.
type Info struct {
	UserID       int64
	Omename      string
	GroupID      int64
	OwnerID      int64
	OwnerOmename string
	Email        string
	Created      string
	Status       types.Status
	TotalBytes   int64
	TotalSize    string // human-readable form of TotalBytes
	Complete     string // completion timestamp, set on finalize
	Error        string // human-readable failure, set when a transfer fails
}

// ImageEntry is one image covered by the job. NewlyTagged records whether
// this job applied the pending marker (true) or the image was already marked
// by an earlier job (false); only newly tagged images have their markers
// updated when the job is reviewed.
type ImageEntry struct {
	Key         string
	NewlyTagged bool
}

// ID extracts the numeric image ID from the descriptor key.
func (e ImageEntry) ID() (int64, error) {
	m := imageIDPattern.FindStringSubmatch(e.Key)
	if m == nil {
		return 0, fmt.Errorf("job: cannot identify image ID in text: %s", e.Key)
	}
	return strconv.ParseInt(m[1], 10, 64)
}

// FileEntry is one source file and its transfer status, in job-file order.
type FileEntry struct {
	Path   string
	Status types.Status
}

// JobFile is a parsed job file. The INI document is kept underneath so note
// keys and hand edits survive a rewrite.
type JobFile struct {
	path string
	file *ini.File
}

func loadOptions() ini.LoadOptions {
	return ini.LoadOptions{
		KeyValueDelimiters:       "=",
		IgnoreInlineComment:      true,
		SpaceBeforeInlineComment: true,
	}
}

// Load reads a job file. A missing file is ErrJobNotFound.
func Load(path string) (*JobFile, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, path)
		}
		return nil, err
	}
	f, err := ini.LoadSources(loadOptions(), path)
	if err != nil {
		return nil, fmt.Errorf("job: parse %s: %w", path, err)
	}
	return &JobFile{path: path, file: f}, nil
}

// Create writes a new job file, normally into the New workflow directory.
// TotalSize is derived from TotalBytes when not supplied.
func Create(path string, info Info, images []ImageEntry, files []FileEntry) (*JobFile, error) {
	if info.TotalSize == "" && info.TotalBytes > 0 {
		info.TotalSize = humanize.IBytes(uint64(info.TotalBytes))
	}

	j := &JobFile{path: path, file: ini.Empty(loadOptions())}
	j.SetInfo(info)
	imgs := j.file.Section(types.SectionImages)
	for _, e := range images {
		imgs.Key(e.Key).SetValue(strconv.FormatBool(e.NewlyTagged))
	}
	fs := j.file.Section(types.SectionFiles)
	for _, e := range files {
		fs.Key(e.Path).SetValue(string(e.Status))
	}
	if err := j.Save(); err != nil {
		return nil, err
	}
	return j, nil
}

// Path returns the job file's current location.
func (j *JobFile) Path() string { return j.path }

// Name returns the job file name, stable across workflow moves.
func (j *JobFile) Name() string { return filepath.Base(j.path) }

// Info returns the typed Info section.
func (j *JobFile) Info() Info {
	s := j.file.Section(types.SectionInfo)
	status, _ := types.ParseStatus(s.Key("status").String())
	return Info{
		UserID:       s.Key("user id").MustInt64(0),
		Omename:      s.Key("omename").String(),
		GroupID:      s.Key("group id").MustInt64(0),
		OwnerID:      s.Key("owner id").MustInt64(0),
		OwnerOmename: s.Key("owner omename").String(),
		Email:        s.Key("email").String(),
		Created:      s.Key("created").String(),
		Status:       status,
		TotalBytes:   s.Key("total bytes").MustInt64(0),
		TotalSize:    s.Key("total size").String(),
		Complete:     s.Key("complete").String(),
		Error:        s.Key("error").String(),
	}
}

// SetInfo writes the typed Info section. Zero-valued optional fields are
// not written; note keys already in the section are untouched.
func (j *JobFile) SetInfo(info Info) {
	s := j.file.Section(types.SectionInfo)
	setInt := func(name string, v int64) {
		if v != 0 {
			s.Key(name).SetValue(strconv.FormatInt(v, 10))
		}
	}
	setStr := func(name, v string) {
		if v != "" {
			s.Key(name).SetValue(v)
		}
	}
	setInt("user id", info.UserID)
	setStr("omename", info.Omename)
	setInt("group id", info.GroupID)
	setInt("owner id", info.OwnerID)
	setStr("owner omename", info.OwnerOmename)
	setStr("email", info.Email)
	setStr("created", info.Created)
	if info.Status != "" {
		s.Key("status").SetValue(string(info.Status))
	}
	setInt("total bytes", info.TotalBytes)
	setStr("total size", info.TotalSize)
	setStr("complete", info.Complete)
	setStr("error", info.Error)
}

// SetStatus updates the job-level status.
func (j *JobFile) SetStatus(status types.Status) {
	j.file.Section(types.SectionInfo).Key("status").SetValue(string(status))
}

// SetError records a failure message and marks the job Error.
func (j *JobFile) SetError(msg string) {
	j.file.Section(types.SectionInfo).Key("error").SetValue(msg)
	j.SetStatus(types.StatusError)
}

// ClearError removes any previous failure message.
func (j *JobFile) ClearError() {
	j.file.Section(types.SectionInfo).DeleteKey("error")
}

// MarkComplete stamps the completion time and terminal status.
func (j *JobFile) MarkComplete(status types.Status, now time.Time) {
	s := j.file.Section(types.SectionInfo)
	s.Key("complete").SetValue(now.Format(timeLayout))
	s.Key("status").SetValue(string(status))
}

// Images returns the image entries.
func (j *JobFile) Images() []ImageEntry {
	s := j.file.Section(types.SectionImages)
	var out []ImageEntry
	for _, key := range s.KeyStrings() {
		tagged, _ := strconv.ParseBool(s.Key(key).String())
		out = append(out, ImageEntry{Key: key, NewlyTagged: tagged})
	}
	return out
}

// NewImageIDs returns the IDs of the images this job newly tagged. These are
// the images whose markers the director updates on review.
func (j *JobFile) NewImageIDs() ([]int64, error) {
	var ids []int64
	for _, e := range j.Images() {
		if !e.NewlyTagged {
			continue
		}
		id, err := e.ID()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Files returns the file entries in stored order. A malformed status string
// is an *types.InvalidStatusError.
func (j *JobFile) Files() ([]FileEntry, error) {
	s := j.file.Section(types.SectionFiles)
	var out []FileEntry
	for _, key := range s.KeyStrings() {
		status, err := types.ParseStatus(s.Key(key).String())
		if err != nil {
			return nil, fmt.Errorf("job %s: file %s: %w", j.Name(), key, err)
		}
		out = append(out, FileEntry{Path: key, Status: status})
	}
	return out, nil
}

// SetFileStatus updates the status of one file.
func (j *JobFile) SetFileStatus(path string, status types.Status) {
	j.file.Section(types.SectionFiles).Key(path).SetValue(string(status))
}

// SetAllFileStatuses sets every file to the given status, used when a
// reviewed job moves to Running or Declined.
func (j *JobFile) SetAllFileStatuses(status types.Status) {
	s := j.file.Section(types.SectionFiles)
	for _, key := range s.KeyStrings() {
		s.Key(key).SetValue(string(status))
	}
}

// Rollup derives the job-level status from the per-file statuses: Error if
// any file failed, Running while any file is still running, else Finished.
func (j *JobFile) Rollup() (types.Status, error) {
	files, err := j.Files()
	if err != nil {
		return "", err
	}
	running := false
	for _, f := range files {
		switch f.Status {
		case types.StatusError:
			return types.StatusError, nil
		case types.StatusRunning, types.StatusNew:
			running = true
		}
	}
	if running {
		return types.StatusRunning, nil
	}
	return types.StatusFinished, nil
}

// Restart resets every Error file back to Running and clears the job-level
// error, the only sanctioned recovery path after operator review. It returns
// the number of files restarted and the total now running. Files in other
// states are untouched.
func (j *JobFile) Restart() (restarted, running int) {
	j.ClearError()
	s := j.file.Section(types.SectionFiles)
	for _, key := range s.KeyStrings() {
		status := types.Status(s.Key(key).String())
		if status == types.StatusError {
			restarted++
			status = types.StatusRunning
			s.Key(key).SetValue(string(status))
		}
		if status == types.StatusRunning {
			running++
		}
	}
	if running > 0 {
		j.SetStatus(types.StatusRunning)
	}
	return restarted, running
}

// Save writes the job file back to its current location, via a temporary
// file renamed into place so a reader never sees a partial document.
func (j *JobFile) Save() error {
	tmp := j.path + ".tmp"
	if err := j.file.SaveTo(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("job: write %s: %w", j.path, err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("job: replace %s: %w", j.path, err)
	}
	return nil
}

// MoveTo relocates the job file into another workflow directory with a
// single rename, the state transition. Moving to the directory the file is
// already in is a no-op.
func (j *JobFile) MoveTo(dir string) error {
	dest := filepath.Join(dir, j.Name())
	if dest == j.path {
		return nil
	}
	if err := os.Rename(j.path, dest); err != nil {
		return fmt.Errorf("job: move %s to %s: %w", j.path, dir, err)
	}
	j.path = dest
	return nil
}
