// Package types defines the core domain model shared by the archiving
// workflow: job statuses, the workflow directory layout, and the section
// names used by the INI-based job and archive record files.
package types

import "fmt"

// Status is the state of a job file or of a single file within a job.
// Job files live in the workflow directory named after their status; for
// individual files only New, Running, Finished, Error, Ignore and Declined
// are meaningful.
type Status string

const (
	StatusNew      Status = "New"
	StatusApproved Status = "Approved"
	StatusDeclined Status = "Declined"
	StatusRunning  Status = "Running"
	StatusFinished Status = "Finished"
	StatusError    Status = "Error"

	// StatusIgnore marks a file that needs no transfer (already a symlink,
	// so archived by an earlier job or imported in place).
	StatusIgnore Status = "Ignore"
)

// JobStatuses lists the states a whole job file can be in, which are exactly
// the workflow directories under the job root.
var JobStatuses = []Status{
	StatusNew, StatusApproved, StatusDeclined,
	StatusRunning, StatusFinished, StatusError,
}

// InvalidStatusError reports a status string that is not part of the enum.
type InvalidStatusError struct {
	Value string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status: %q", e.Value)
}

// ParseStatus validates a status string read from a job file.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusNew, StatusApproved, StatusDeclined, StatusRunning,
		StatusFinished, StatusError, StatusIgnore:
		return Status(s), nil
	}
	return "", &InvalidStatusError{Value: s}
}

// Terminal reports whether a per-file status needs no further processing.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusIgnore, StatusDeclined:
		return true
	}
	return false
}

// Marker names: the map annotations applied to source images to track
// their archival state in the metadata store.
const (
	MarkerToArchive = "TO-ARCHIVE"
	MarkerPending   = "ARCHIVE-PENDING"
	MarkerArchived  = "ARCHIVED"
	MarkerNote      = "ARCHIVE NOTE"
)

// Section names of the INI documents written by the workflow.
const (
	// Archive record sections.
	SectionSource            = "Source"
	SectionFileArchiver      = "File Archiver"
	SectionApplianceArchiver = "Arkivum Archiver"

	// Job file sections.
	SectionInfo   = "Info"
	SectionImages = "Images"
	SectionFiles  = "Files"
)
