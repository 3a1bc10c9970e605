package job

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aherbert/omero-archiving/pkg/types"
)

func newTestJob(t *testing.T, dir string, files []FileEntry) *JobFile {
	t.Helper()
	j, err := Create(filepath.Join(dir, "job-1001.txt"), Info{
		UserID:     7,
		Omename:    "alice",
		GroupID:    3,
		Email:      "alice@example.com",
		Status:     types.StatusNew,
		TotalBytes: 2048,
	}, []ImageEntry{
		{Key: "/Screens/Plate one (101)", NewlyTagged: true},
		{Key: "/Screens/Plate two (102)", NewlyTagged: false},
	}, files)
	require.NoError(t, err)
	return j
}

func TestCreateAndLoad(t *testing.T) {
	dir := t.TempDir()
	newTestJob(t, dir, []FileEntry{
		{Path: "/data/a.tif", Status: types.StatusNew},
		{Path: "/data/b.tif", Status: types.StatusNew},
	})

	j, err := Load(filepath.Join(dir, "job-1001.txt"))
	require.NoError(t, err)

	info := j.Info()
	assert.Equal(t, int64(7), info.UserID)
	assert.Equal(t, "alice", info.Omename)
	assert.Equal(t, types.StatusNew, info.Status)
	assert.Equal(t, int64(2048), info.TotalBytes)
	// TotalSize is derived from TotalBytes on create.
	assert.Equal(t, "2.0 KiB", info.TotalSize)

	files, err := j.Files()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "/data/a.tif", files[0].Path)
	assert.Equal(t, types.StatusNew, files[0].Status)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.txt"))
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestImageEntryID(t *testing.T) {
	id, err := ImageEntry{Key: "/Project/Dataset/img (123)"}.ID()
	require.NoError(t, err)
	assert.Equal(t, int64(123), id)

	_, err = ImageEntry{Key: "no id here"}.ID()
	assert.Error(t, err)
}

func TestNewImageIDs(t *testing.T) {
	dir := t.TempDir()
	j := newTestJob(t, dir, nil)

	// Only the image this job tagged is returned.
	ids, err := j.NewImageIDs()
	require.NoError(t, err)
	assert.Equal(t, []int64{101}, ids)
}

func TestFiles_InvalidStatus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.txt")
	content := "[Info]\nstatus = Running\n\n[Files]\n/data/a.tif = Banana\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	j, err := Load(path)
	require.NoError(t, err)

	_, err = j.Files()
	var inv *types.InvalidStatusError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "Banana", inv.Value)
}

func TestRollup(t *testing.T) {
	dir := t.TempDir()
	j := newTestJob(t, dir, []FileEntry{
		{Path: "/data/a.tif", Status: types.StatusFinished},
		{Path: "/data/b.tif", Status: types.StatusRunning},
		{Path: "/data/c.tif", Status: types.StatusIgnore},
	})

	status, err := j.Rollup()
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, status)

	// Any error wins over running.
	j.SetFileStatus("/data/b.tif", types.StatusError)
	status, err = j.Rollup()
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, status)

	// All terminal without error means finished.
	j.SetFileStatus("/data/b.tif", types.StatusFinished)
	status, err = j.Rollup()
	require.NoError(t, err)
	assert.Equal(t, types.StatusFinished, status)
}

func TestSetErrorAndRestart(t *testing.T) {
	dir := t.TempDir()
	j := newTestJob(t, dir, []FileEntry{
		{Path: "/data/a.tif", Status: types.StatusFinished},
		{Path: "/data/b.tif", Status: types.StatusError},
		{Path: "/data/c.tif", Status: types.StatusRunning},
	})
	j.SetError("copy failed")
	require.NoError(t, j.Save())

	j, err := Load(j.Path())
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, j.Info().Status)
	assert.Equal(t, "copy failed", j.Info().Error)

	restarted, running := j.Restart()
	assert.Equal(t, 1, restarted)
	assert.Equal(t, 2, running)
	require.NoError(t, j.Save())

	j, err = Load(j.Path())
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, j.Info().Status)
	assert.Empty(t, j.Info().Error)

	files, err := j.Files()
	require.NoError(t, err)
	// Finished files are untouched, the failed file runs again.
	assert.Equal(t, types.StatusFinished, files[0].Status)
	assert.Equal(t, types.StatusRunning, files[1].Status)
	assert.Equal(t, types.StatusRunning, files[2].Status)
}

func TestSetAllFileStatuses(t *testing.T) {
	dir := t.TempDir()
	j := newTestJob(t, dir, []FileEntry{
		{Path: "/data/a.tif", Status: types.StatusNew},
		{Path: "/data/b.tif", Status: types.StatusNew},
	})
	j.SetAllFileStatuses(types.StatusRunning)

	files, err := j.Files()
	require.NoError(t, err)
	for _, f := range files {
		assert.Equal(t, types.StatusRunning, f.Status)
	}
}

func TestMarkComplete(t *testing.T) {
	dir := t.TempDir()
	j := newTestJob(t, dir, nil)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.Local)
	j.MarkComplete(types.StatusFinished, now)
	require.NoError(t, j.Save())

	j, err := Load(j.Path())
	require.NoError(t, err)
	assert.Equal(t, types.StatusFinished, j.Info().Status)
	assert.Equal(t, now.Format(time.ANSIC), j.Info().Complete)
}

func TestMoveTo(t *testing.T) {
	root := t.TempDir()
	newDir := filepath.Join(root, "New")
	runDir := filepath.Join(root, "Running")
	require.NoError(t, os.MkdirAll(newDir, 0o755))
	require.NoError(t, os.MkdirAll(runDir, 0o755))

	j := newTestJob(t, newDir, nil)
	require.NoError(t, j.MoveTo(runDir))

	assert.Equal(t, filepath.Join(runDir, "job-1001.txt"), j.Path())
	_, err := os.Stat(filepath.Join(newDir, "job-1001.txt"))
	assert.True(t, os.IsNotExist(err))

	// Moving into the current directory is a no-op.
	require.NoError(t, j.MoveTo(runDir))
}

func TestSave_PreservesNoteKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.txt")
	content := "[Info]\nstatus = Running\nnote 1 = user asked for long term storage\n\n[Files]\n/data/a.tif = Running\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	j, err := Load(path)
	require.NoError(t, err)
	j.SetFileStatus("/data/a.tif", types.StatusFinished)
	require.NoError(t, j.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "note 1")
}
