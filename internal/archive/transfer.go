// Package archive implements the resumable, checksum-verified transfer of a
// single file to cold storage, and the per-file archive record that makes
// the transfer safe to interrupt and repeat.
//
// The transfer protocol:
//
//	symlink at source        -> Ignore (already archived)
//	no destination copy      -> stream-copy computing digests, persist record
//	copy but no digests      -> recompute digests from the SOURCE file
//	verify (local or remote) -> mismatch is fatal, source is never deleted
//	verified                 -> delete original, link source to the archive
//
// The archive record is rewritten on every exit path, success or failure,
// so the next sweep resumes from whatever step was reached.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aherbert/omero-archiving/pkg/types"
)

// ingestFinal is the appliance ingest state meaning the file has been fully
// processed and its digests are available through the API.
const ingestFinal = "FINAL"

// RemoteInfo is what the appliance verification API reports for a file.
type RemoteInfo struct {
	IngestState      string
	ReplicationState string
	MD5              string
	Size             int64
}

// RemoteStore is the verification API surface the transfer needs. found is
// false when the appliance has no information for the path yet, which is
// expected within the ingest grace window after a copy. Errors are transport
// failures and are treated as transient.
type RemoteStore interface {
	FileInfo(ctx context.Context, relPath string) (info RemoteInfo, found bool, err error)
}

// Transfer copies files into the archive and verifies them. With Remote nil
// the destination is a local file store verified by re-reading the copy;
// otherwise the destination is a mounted appliance verified through Remote.
type Transfer struct {
	LogRoot     string // root of the archive record tree
	ArchiveRoot string // destination root (or the appliance mount point)

	// Remote appliance settings.
	Remote      RemoteStore   // nil selects local verification
	RemotePath  string        // path prefix inside the appliance, e.g. "omero"
	TargetState string        // replication state required before deletion
	GracePeriod time.Duration // tolerate missing file info after a copy
	WarnAfter   time.Duration // escalate a slow ingest to a warning

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

func (t *Transfer) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Section returns the archiver section name this transfer writes to records.
func (t *Transfer) Section() string {
	if t.Remote != nil {
		return types.SectionApplianceArchiver
	}
	return types.SectionFileArchiver
}

// destination maps a source path to its archive location, and for remote
// mode the relative path used to query the appliance API.
func (t *Transfer) destination(src string) (dest, rel string) {
	sub := MakeNonAbsolute(src)
	if t.Remote == nil {
		return filepath.Join(t.ArchiveRoot, sub), ""
	}
	rel = path.Join(t.RemotePath, filepath.ToSlash(sub))
	return filepath.Join(t.ArchiveRoot, t.RemotePath, sub), rel
}

// Process archives one file. It returns Finished when the original has been
// replaced by a link to the verified copy, Running when the transfer is in
// progress (remote ingest or replication incomplete) and should be retried
// on a later sweep, and Ignore when the source is a symlink. Unrecoverable
// conditions return a *TransferError and leave the source untouched.
func (t *Transfer) Process(ctx context.Context, src string) (status types.Status, err error) {
	slog.Info("processing file", "path", src)

	fi, lerr := os.Lstat(src)
	if lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
		slog.Warn("skipping symlink", "path", src)
		return types.StatusIgnore, nil
	}
	if lerr != nil || !fi.Mode().IsRegular() {
		return "", &TransferError{Path: src, Msg: "file does not exist"}
	}

	rec, lerr := LoadRecord(t.LogRoot, src, t.Section())
	if lerr != nil {
		return "", &TransferError{Path: src, Msg: "missing archive record", Err: lerr}
	}

	// Persist whatever stage was reached, on every exit path.
	defer func() {
		if serr := rec.Save(); serr != nil {
			slog.Error("failed to save archive record", "path", rec.Path(), "error", serr)
			if err == nil {
				status, err = "", serr
			}
		}
	}()

	dest, rel := t.destination(src)
	slog.Info("archive path", "path", dest)

	fileCopied := false
	if _, serr := os.Stat(dest); serr != nil {
		if !os.IsNotExist(serr) {
			return "", &TransferError{Path: src, Msg: "cannot stat destination", Err: serr}
		}
		slog.Info("copying to archive", "dest", dest)
		d, cerr := CopyAndDigest(src, dest)
		if cerr != nil {
			return "", &TransferError{Path: src, Msg: "copy failed", Err: cerr}
		}
		rec.Transfer.SetDigests(d)
		rec.Transfer.DestPath = dest
		rec.Transfer.Copied = t.now()
		if st, serr := os.Stat(dest); serr == nil {
			rec.Transfer.Copied = st.ModTime()
		}
		fileCopied = true
	} else if !rec.Transfer.Complete() {
		// The destination exists but the digests never made it into the
		// record (copy succeeded, record write did not). Recompute from the
		// source, which has not been deleted, so a bad archive copy still
		// fails verification below.
		slog.Info("computing checksums", "path", src)
		d, cerr := DigestFile(src)
		if cerr != nil {
			return "", &TransferError{Path: src, Msg: "checksum failed", Err: cerr}
		}
		rec.Transfer.SetDigests(d)
		rec.Transfer.DestPath = dest
	}

	slog.Info("checksums",
		"md5", rec.Transfer.MD5,
		"sha256", rec.Transfer.SHA256,
		"adler32", rec.Transfer.Adler32,
		"size", rec.Transfer.Size)

	slog.Info("verifying transfer", "path", src)
	if t.Remote == nil {
		if verr := t.verifyLocal(rec, dest); verr != nil {
			return "", verr
		}
	} else {
		st, verr := t.verifyRemote(ctx, rec, rel, fileCopied)
		if verr != nil {
			return "", verr
		}
		if st != types.StatusFinished {
			return st, nil
		}
	}

	// Verified: the original can go.
	if rerr := os.Remove(src); rerr != nil {
		return "", &TransferError{Path: src, Msg: "cannot remove original", Err: rerr}
	}
	rec.Transfer.Archived = t.now()

	// Link the original path to the archived copy so restores and in-place
	// reads keep working. Best effort: a failed link is logged, not fatal.
	if lnerr := os.Symlink(dest, src); lnerr != nil {
		slog.Warn("could not link original path to archive", "path", src, "error", lnerr)
	} else {
		slog.Info("created link from original path to archive", "path", src)
	}

	return types.StatusFinished, nil
}

// verifyLocal re-reads the archive copy and requires every digest and the
// size to match the record.
func (t *Transfer) verifyLocal(rec *Record, dest string) error {
	got, err := DigestFile(dest)
	if err != nil {
		return &TransferError{Path: rec.Source.Path, Msg: "cannot read archive copy", Err: err}
	}

	adler, _ := strconv.ParseUint(rec.Transfer.Adler32, 10, 32)
	want := Digests{
		MD5:     rec.Transfer.MD5,
		SHA256:  rec.Transfer.SHA256,
		Adler32: uint32(adler),
		Size:    rec.Transfer.Size,
	}
	if !got.Equal(want) {
		return &TransferError{Path: rec.Source.Path, Msg: "archived file has different checksum"}
	}
	return nil
}

// verifyRemote asks the appliance for the file information and compares it
// against the recorded digests. The appliance ingests asynchronously, so
// missing or incomplete information yields Running rather than an error; a
// slow ingest is escalated to a warning after the configured period but is
// never escalated to a failure without operator review.
func (t *Transfer) verifyRemote(ctx context.Context, rec *Record, rel string, fileCopied bool) (types.Status, error) {
	info, found, err := t.Remote.FileInfo(ctx, rel)
	if err != nil {
		slog.Warn("appliance unavailable, will retry", "path", rel, "error", err)
		return types.StatusRunning, nil
	}

	age := t.now().Sub(rec.Transfer.Copied)
	if !found {
		if fileCopied || age < t.GracePeriod {
			slog.Info("no file information available yet", "path", rel)
		} else {
			slog.Warn("no file information available from appliance", "path", rel, "age", age)
		}
		return types.StatusRunning, nil
	}

	slog.Info("ingest state", "path", rel, "state", info.IngestState)
	if info.IngestState != ingestFinal {
		if !fileCopied && age > t.WarnAfter {
			slog.Warn("waiting for ingest to complete", "path", rel, "age", age)
		} else {
			slog.Info("waiting for ingest to complete", "path", rel)
		}
		return types.StatusRunning, nil
	}

	if info.Size != rec.Transfer.Size {
		return "", &TransferError{
			Path: rec.Source.Path,
			Msg:  fmt.Sprintf("archived file has different size: %d != %d", rec.Transfer.Size, info.Size),
		}
	}
	// The appliance also checksums with Adler-32 but does not expose the
	// value through the API, so only MD5 is compared.
	if info.MD5 != rec.Transfer.MD5 {
		return "", &TransferError{Path: rec.Source.Path, Msg: "archived file has different checksum"}
	}

	slog.Info("replication state", "path", rel, "state", info.ReplicationState)
	rec.Transfer.State = info.ReplicationState
	if info.ReplicationState != t.TargetState {
		// Still replicating. Delete nothing until the operator's target
		// state is reached.
		return types.StatusRunning, nil
	}
	return types.StatusFinished, nil
}
