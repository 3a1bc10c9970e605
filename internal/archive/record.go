package archive

// ============================================================================
// Archive records
// Purpose: durable per-file transfer state. One INI record per source path,
// stored under the log root mirroring the source directory tree, so records
// can be inspected and cleaned up alongside the files they describe.
//
// The record is the resume contract: once digests and size are written they
// are never recomputed unless the destination file is missing. Records are
// deliberately human-readable and hand-editable for manual recovery.
// ============================================================================

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"github.com/aherbert/omero-archiving/pkg/types"
)

// RecordSuffix is appended to the mirrored source path to name the record.
const RecordSuffix = ".ark"

// timeLayout is the human-readable timestamp format used in records.
const timeLayout = time.ANSIC

// SourceInfo is the record section seeded by the collector when a job is
// created: which image the file belongs to and what the file looked like
// before the transfer started.
type SourceInfo struct {
	Image        int64  // source image ID
	Owner        int64  // image owner ID
	LinkedBy     string // "id : name" of the user who requested archiving
	Path         string // original absolute path
	Bytes        int64
	Size         string // human-readable form of Bytes
	LastModified string
}

// TransferInfo is the archiver section: digests, destination and progress
// timestamps. The zero value means no transfer activity yet.
type TransferInfo struct {
	MD5      string
	SHA256   string
	Adler32  string // unsigned decimal, as the appliance reports it
	Size     int64
	DestPath string
	Copied   time.Time // when the copy to the destination completed
	Archived time.Time // when the original was deleted (terminal)
	State    string    // last replication state observed from the appliance
}

// Complete reports whether digests and size have been recorded, i.e. the
// verify step can run without recomputing anything.
func (t *TransferInfo) Complete() bool {
	return t.MD5 != "" && t.SHA256 != "" && t.Adler32 != "" && t.Size > 0
}

// started reports any transfer activity worth persisting.
func (t *TransferInfo) started() bool {
	return t.MD5 != "" || t.SHA256 != "" || t.Adler32 != "" ||
		t.DestPath != "" || t.State != "" || !t.Copied.IsZero() || !t.Archived.IsZero()
}

// SetDigests stores a computed digest set.
func (t *TransferInfo) SetDigests(d Digests) {
	t.MD5 = d.MD5
	t.SHA256 = d.SHA256
	t.Adler32 = d.Adler32String()
	t.Size = d.Size
}

// Record is the persistent transfer state for one source path. The parsed
// INI document is kept underneath so foreign sections and hand-added keys
// survive a rewrite.
type Record struct {
	path    string
	file    *ini.File
	section string // archiver section name for the active mode

	Source   SourceInfo
	Transfer TransferInfo
}

// iniLoadOptions restricts the INI dialect so that file paths round-trip:
// '=' is the only key/value delimiter and inline comment characters are
// treated as data.
func iniLoadOptions() ini.LoadOptions {
	return ini.LoadOptions{
		KeyValueDelimiters:       "=",
		IgnoreInlineComment:      true,
		SpaceBeforeInlineComment: true,
	}
}

// MakeNonAbsolute strips any volume name and leading separators from a path
// so it can be joined under a base directory.
func MakeNonAbsolute(path string) string {
	path = path[len(filepath.VolumeName(path)):]
	for len(path) > 0 && os.IsPathSeparator(path[0]) {
		path = path[1:]
	}
	return path
}

// RecordPath maps a source path to its record location under the log root.
// The mapping is deterministic and collision-free: the source directory
// structure is preserved.
func RecordPath(logRoot, sourcePath string) string {
	return filepath.Join(logRoot, MakeNonAbsolute(sourcePath)+RecordSuffix)
}

// LoadRecord reads the record for a source path. A missing record file is
// ErrRecordNotFound: the collector seeds records before a job can run, so
// absence is an upstream fault. A record holding only Source data is valid
// initial state.
func LoadRecord(logRoot, sourcePath, section string) (*Record, error) {
	path := RecordPath(logRoot, sourcePath)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
		}
		return nil, err
	}

	f, err := ini.LoadSources(iniLoadOptions(), path)
	if err != nil {
		return nil, fmt.Errorf("archive: parse record %s: %w", path, err)
	}

	r := &Record{path: path, file: f, section: section}
	r.readSource()
	r.readTransfer()
	return r, nil
}

// CreateRecord seeds a new record containing only the Source section. This
// is the schema the collector writes when a job file is created; the
// archivers require it to pre-exist.
func CreateRecord(logRoot, sourcePath, section string, src SourceInfo) (*Record, error) {
	path := RecordPath(logRoot, sourcePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f := ini.Empty(iniLoadOptions())
	r := &Record{path: path, file: f, section: section, Source: src}
	if err := r.Save(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the record's backing file.
func (r *Record) Path() string { return r.path }

// TransferStarted reports whether the record shows evidence a transfer
// began: any section beyond Source, or transfer data in memory. A declined
// job may delete a record only when this is false.
func (r *Record) TransferStarted() bool {
	if r.Transfer.started() {
		return true
	}
	for _, name := range r.file.SectionStrings() {
		if name != ini.DefaultSection && name != types.SectionSource {
			return true
		}
	}
	return false
}

// Delete removes the record file from disk.
func (r *Record) Delete() error {
	return os.Remove(r.path)
}

// Save writes the record back to disk, via a temporary file renamed into
// place. Called on every exit path of a transfer so partial progress is
// never lost. The archiver section is only written once transfer activity
// exists; an untouched record keeps exactly one section.
func (r *Record) Save() error {
	r.writeSource()
	if r.Transfer.started() {
		r.writeTransfer()
	}

	tmp := r.path + ".tmp"
	if err := r.file.SaveTo(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive: write record %s: %w", r.path, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive: replace record %s: %w", r.path, err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// INI boundary: typed fields <-> document keys
// ----------------------------------------------------------------------------

func (r *Record) readSource() {
	s := r.file.Section(types.SectionSource)
	r.Source = SourceInfo{
		Image:        s.Key("image").MustInt64(0),
		Owner:        s.Key("owner").MustInt64(0),
		LinkedBy:     s.Key("linked by").String(),
		Path:         s.Key("path").String(),
		Bytes:        s.Key("bytes").MustInt64(0),
		Size:         s.Key("size").String(),
		LastModified: s.Key("last modified").String(),
	}
}

func (r *Record) writeSource() {
	s := r.file.Section(types.SectionSource)
	setKey(s, "image", formatInt(r.Source.Image))
	setKey(s, "owner", formatInt(r.Source.Owner))
	setKey(s, "linked by", r.Source.LinkedBy)
	setKey(s, "path", r.Source.Path)
	setKey(s, "bytes", formatInt(r.Source.Bytes))
	setKey(s, "size", r.Source.Size)
	setKey(s, "last modified", r.Source.LastModified)
}

func (r *Record) readTransfer() {
	s, err := r.file.GetSection(r.section)
	if err != nil {
		return
	}
	r.Transfer = TransferInfo{
		MD5:      s.Key("md5").String(),
		SHA256:   s.Key("sha256").String(),
		Adler32:  s.Key("adler32").String(),
		Size:     s.Key("size").MustInt64(0),
		DestPath: s.Key("path").String(),
		Copied:   parseUnix(s.Key("timestamp").String()),
		Archived: parseTime(s.Key("Archived").String()),
		State:    s.Key("State").String(),
	}
}

func (r *Record) writeTransfer() {
	s := r.file.Section(r.section)
	setKey(s, "md5", r.Transfer.MD5)
	setKey(s, "sha256", r.Transfer.SHA256)
	setKey(s, "adler32", r.Transfer.Adler32)
	if r.Transfer.Size > 0 {
		s.Key("size").SetValue(formatInt(r.Transfer.Size))
	}
	setKey(s, "path", r.Transfer.DestPath)
	if !r.Transfer.Copied.IsZero() {
		s.Key("copied").SetValue(r.Transfer.Copied.Format(timeLayout))
		s.Key("timestamp").SetValue(strconv.FormatInt(r.Transfer.Copied.Unix(), 10))
	}
	if !r.Transfer.Archived.IsZero() {
		s.Key("Archived").SetValue(r.Transfer.Archived.Format(timeLayout))
	}
	setKey(s, "State", r.Transfer.State)
}

// setKey writes only keys that have a value, keeping records sparse the way
// the collector leaves them.
func setKey(s *ini.Section, name, value string) {
	if value != "" {
		s.Key(name).SetValue(value)
	}
}

func formatInt(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func parseUnix(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
