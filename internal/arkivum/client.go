// Package arkivum is a minimal client for the Arkivum appliance REST API.
// The archiver only needs one call: fileInfo for a path relative to the
// appliance root, used to verify a transfer and track replication.
package arkivum

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aherbert/omero-archiving/internal/archive"
)

// ErrUnavailable wraps transport failures and non-success responses from the
// appliance. Callers treat it as transient: the transfer stays Running and
// is retried on the next sweep.
type ErrUnavailable struct {
	Path string
	Err  error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("arkivum: %s unavailable: %v", e.Path, e.Err)
}

func (e *ErrUnavailable) Unwrap() error { return e.Err }

// Client talks to one appliance.
type Client struct {
	base *url.URL
	hc   *http.Client
}

// New creates a client for the given appliance address ("host:port", or a
// full URL to override the https scheme). Appliances commonly run with
// self-signed certificates; insecure skips TLS verification to match.
func New(server string, insecure bool, timeout time.Duration) (*Client, error) {
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}
	base, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("arkivum: invalid server %q: %w", server, err)
	}

	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: base,
		hc:   &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

// fileInfoResponse is the subset of the fileInfo document the archiver uses.
// The appliance reports size as a JSON number or string depending on
// version, so it is decoded leniently.
type fileInfoResponse struct {
	IngestState      string          `json:"ingestState"`
	ReplicationState string          `json:"replicationState"`
	MD5              string          `json:"md5"`
	Size             json.RawMessage `json:"size"`
}

// FileInfo implements archive.RemoteStore. found is false when the
// appliance has no record of the path yet, which is normal within the
// ingest delay after a copy.
func (c *Client) FileInfo(ctx context.Context, relPath string) (archive.RemoteInfo, bool, error) {
	u := *c.base
	u.Path = path.Join(u.Path, "api/2/files/fileInfo", relPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return archive.RemoteInfo{}, false, &ErrUnavailable{Path: relPath, Err: err}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return archive.RemoteInfo{}, false, &ErrUnavailable{Path: relPath, Err: err}
	}
	defer resp.Body.Close()

	// 404 means the appliance has not ingested the file yet.
	if resp.StatusCode == http.StatusNotFound {
		return archive.RemoteInfo{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return archive.RemoteInfo{}, false, &ErrUnavailable{
			Path: relPath,
			Err:  fmt.Errorf("response code %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return archive.RemoteInfo{}, false, &ErrUnavailable{Path: relPath, Err: err}
	}

	var info fileInfoResponse
	if err := json.Unmarshal(body, &info); err != nil || info.IngestState == "" {
		// An empty or undecodable document is "no information yet".
		return archive.RemoteInfo{}, false, nil
	}

	return archive.RemoteInfo{
		IngestState:      info.IngestState,
		ReplicationState: info.ReplicationState,
		MD5:              info.MD5,
		Size:             parseSize(info.Size),
	}, true, nil
}

func parseSize(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	s := string(raw)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
