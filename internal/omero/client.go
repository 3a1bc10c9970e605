// Package omero applies and removes archival markers on images through the
// OMERO server's JSON API. The workflow treats the metadata store as an
// opaque collaborator: it only ever links or unlinks a named map annotation
// on a set of image IDs.
package omero

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Client links and unlinks archival markers.
type Client struct {
	base     *url.URL
	hc       *http.Client
	username string
	password string
}

// New creates a client for the OMERO JSON API at baseURL.
func New(baseURL, username, password string, timeout time.Duration) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("omero: invalid base URL %q: %w", baseURL, err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		base:     base,
		hc:       &http.Client{Timeout: timeout},
		username: username,
		password: password,
	}, nil
}

type linkRequest struct {
	Annotation string  `json:"annotation"`
	Namespace  string  `json:"ns"`
	ImageIDs   []int64 `json:"image_ids"`
}

// annotationNS is the namespace the archival markers live in, keeping them
// apart from user annotations of the same name.
const annotationNS = "archiving"

// ApplyMarker links the named marker to every image. The bulk call fails
// when any link already exists, so on a conflict each image is retried
// individually and the successes and failures are counted instead of
// aborting the whole set.
func (c *Client) ApplyMarker(ctx context.Context, marker string, imageIDs []int64) (applied, failed int, err error) {
	if len(imageIDs) == 0 {
		return 0, 0, nil
	}

	status, err := c.post(ctx, "annotations/link", linkRequest{
		Annotation: marker,
		Namespace:  annotationNS,
		ImageIDs:   imageIDs,
	})
	if err != nil {
		return 0, 0, err
	}
	if status == http.StatusOK || status == http.StatusCreated {
		return len(imageIDs), 0, nil
	}
	if status != http.StatusConflict {
		return 0, 0, fmt.Errorf("omero: link %s: response code %d", marker, status)
	}

	// Some links already exist. Retry one image at a time; an existing link
	// counts as applied.
	for _, id := range imageIDs {
		status, err := c.post(ctx, "annotations/link", linkRequest{
			Annotation: marker,
			Namespace:  annotationNS,
			ImageIDs:   []int64{id},
		})
		switch {
		case err != nil:
			return applied, failed, err
		case status == http.StatusOK, status == http.StatusCreated, status == http.StatusConflict:
			applied++
		default:
			failed++
		}
	}
	return applied, failed, nil
}

// RemoveMarker unlinks the named marker from every image. Images without
// the marker are not an error.
func (c *Client) RemoveMarker(ctx context.Context, marker string, imageIDs []int64) error {
	if len(imageIDs) == 0 {
		return nil
	}
	status, err := c.post(ctx, "annotations/unlink", linkRequest{
		Annotation: marker,
		Namespace:  annotationNS,
		ImageIDs:   imageIDs,
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("omero: unlink %s: response code %d", marker, status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, body linkRequest) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	u := *c.base
	u.Path = path.Join(u.Path, "api/v0/archiving", endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("omero: %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("omero: %s: %w", endpoint, err)
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
