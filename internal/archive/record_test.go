package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aherbert/omero-archiving/pkg/types"
)

func TestMakeNonAbsolute(t *testing.T) {
	assert.Equal(t, "data/image.tif", MakeNonAbsolute("/data/image.tif"))
	assert.Equal(t, "data/image.tif", MakeNonAbsolute("data/image.tif"))
	assert.Equal(t, "", MakeNonAbsolute("/"))
}

func TestRecordPath(t *testing.T) {
	got := RecordPath("/logs", "/data/user/image.tif")
	assert.Equal(t, filepath.Join("/logs", "data", "user", "image.tif.ark"), got)
}

func TestLoadRecord_Missing(t *testing.T) {
	_, err := LoadRecord(t.TempDir(), "/data/image.tif", types.SectionFileArchiver)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestCreateRecord_SourceOnly(t *testing.T) {
	logRoot := t.TempDir()
	src := SourceInfo{
		Image:        42,
		Owner:        7,
		LinkedBy:     "7 : alice",
		Path:         "/data/image.tif",
		Bytes:        1024,
		Size:         "1.0 KiB",
		LastModified: "Mon Jan  2 15:04:05 2006",
	}

	rec, err := CreateRecord(logRoot, "/data/image.tif", types.SectionFileArchiver, src)
	require.NoError(t, err)
	assert.False(t, rec.TransferStarted())

	// A fresh record holds only the Source section; no archiver section is
	// written until the transfer touches it.
	data, err := os.ReadFile(RecordPath(logRoot, "/data/image.tif"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[Source]")
	assert.NotContains(t, string(data), types.SectionFileArchiver)

	loaded, err := LoadRecord(logRoot, "/data/image.tif", types.SectionFileArchiver)
	require.NoError(t, err)
	assert.Equal(t, src, loaded.Source)
	assert.False(t, loaded.TransferStarted())
}

func TestRecord_TransferRoundTrip(t *testing.T) {
	logRoot := t.TempDir()
	rec, err := CreateRecord(logRoot, "/data/image.tif", types.SectionApplianceArchiver,
		SourceInfo{Path: "/data/image.tif"})
	require.NoError(t, err)

	copied := time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local)
	rec.Transfer.SetDigests(Digests{MD5: "aa", SHA256: "bb", Adler32: 12345, Size: 99})
	rec.Transfer.DestPath = "/archive/data/image.tif"
	rec.Transfer.Copied = copied
	rec.Transfer.State = "amber"
	require.NoError(t, rec.Save())

	loaded, err := LoadRecord(logRoot, "/data/image.tif", types.SectionApplianceArchiver)
	require.NoError(t, err)
	assert.True(t, loaded.TransferStarted())
	assert.True(t, loaded.Transfer.Complete())
	assert.Equal(t, "aa", loaded.Transfer.MD5)
	assert.Equal(t, "bb", loaded.Transfer.SHA256)
	assert.Equal(t, "12345", loaded.Transfer.Adler32)
	assert.Equal(t, int64(99), loaded.Transfer.Size)
	assert.Equal(t, "/archive/data/image.tif", loaded.Transfer.DestPath)
	assert.Equal(t, "amber", loaded.Transfer.State)
	// The copy timestamp round-trips through the unix seconds key.
	assert.Equal(t, copied.Unix(), loaded.Transfer.Copied.Unix())
}

func TestRecord_SavePreservesForeignKeys(t *testing.T) {
	logRoot := t.TempDir()
	path := RecordPath(logRoot, "/data/image.tif")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	// A record with an operator note and a section from another archiver.
	content := strings.Join([]string{
		"[Source]",
		"path = /data/image.tif",
		"note = restored once in 2024",
		"",
		"[File Archiver]",
		"md5 = cc",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rec, err := LoadRecord(logRoot, "/data/image.tif", types.SectionApplianceArchiver)
	require.NoError(t, err)
	// The foreign archiver section counts as transfer activity.
	assert.True(t, rec.TransferStarted())

	rec.Transfer.MD5 = "dd"
	require.NoError(t, rec.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "note")
	assert.Contains(t, string(data), "[File Archiver]")
	assert.Contains(t, string(data), "[Arkivum Archiver]")
}

func TestRecord_Delete(t *testing.T) {
	logRoot := t.TempDir()
	rec, err := CreateRecord(logRoot, "/data/image.tif", types.SectionFileArchiver,
		SourceInfo{Path: "/data/image.tif"})
	require.NoError(t, err)

	require.NoError(t, rec.Delete())
	_, err = LoadRecord(logRoot, "/data/image.tif", types.SectionFileArchiver)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
