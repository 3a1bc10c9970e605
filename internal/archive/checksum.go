package archive

// ============================================================================
// Checksum computation
// Purpose: compute MD5, SHA-256 and Adler-32 over a single read of the data,
// optionally while copying it to the archive destination.
// ============================================================================

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/adler32"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// copyBlockSize is the fixed block size for streamed copies.
const copyBlockSize = 64 * 1024

// Digests holds every checksum the archivers track. MD5 is the digest the
// Arkivum API can verify; SHA-256 is the strong hash for the file store;
// Adler-32 is the fast rolling checksum the appliance computes internally
// (stored but never compared, the API does not expose it).
type Digests struct {
	MD5     string
	SHA256  string
	Adler32 uint32
	Size    int64
}

// Adler32String renders the Adler-32 sum the way the records store it,
// as an unsigned decimal.
func (d Digests) Adler32String() string {
	return strconv.FormatUint(uint64(d.Adler32), 10)
}

// Equal compares all digests and the size.
func (d Digests) Equal(o Digests) bool {
	return d.MD5 == o.MD5 && d.SHA256 == o.SHA256 &&
		d.Adler32 == o.Adler32 && d.Size == o.Size
}

// DigestFile computes the digests of a file without copying it. Used to
// recover checksums from the source after an interrupted run, and to verify
// a local archive copy bit for bit.
func DigestFile(path string) (Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digests{}, err
	}
	defer f.Close()
	return digestStream(f, io.Discard)
}

// CopyAndDigest copies src to dst in fixed-size blocks, computing all
// digests over the same stream. The copy goes through a temporary file that
// is renamed into place, so an interrupted copy never leaves a partial file
// at the destination path.
func CopyAndDigest(src, dst string) (Digests, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Digests{}, err
	}

	in, err := os.Open(src)
	if err != nil {
		return Digests{}, err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Digests{}, err
	}

	d, copyErr := digestStream(in, out)
	syncErr := out.Sync()
	closeErr := out.Close()

	for _, err := range []error{copyErr, syncErr, closeErr} {
		if err != nil {
			os.Remove(tmp)
			return Digests{}, err
		}
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return Digests{}, fmt.Errorf("rename tmp to destination: %w", err)
	}
	return d, nil
}

func digestStream(r io.Reader, w io.Writer) (Digests, error) {
	md5h := md5.New()
	sha := sha256.New()
	adl := adler32.New()

	buf := make([]byte, copyBlockSize)
	n, err := io.CopyBuffer(io.MultiWriter(w, md5h, sha, adl), r, buf)
	if err != nil {
		return Digests{}, err
	}

	return Digests{
		MD5:     hex.EncodeToString(md5h.Sum(nil)),
		SHA256:  hex.EncodeToString(sha.Sum(nil)),
		Adler32: adl.Sum32(),
		Size:    n,
	}, nil
}
