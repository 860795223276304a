package core

// ipfs.go – thin shim over the IPFS daemon HTTP API. Only the handful of
// endpoints the pipeline needs: block/get for content fetches, block/stat for
// sizes, add for uploads, pin/add and pin/rm for reference management, and
// repo/gc for reclaiming unpinned blocks.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// NewIPFSClient wires a client for the daemon API at base
// (e.g. http://127.0.0.1:5001).
func NewIPFSClient(base string, timeout time.Duration, lg *log.Logger) *IPFSClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	lg.Infof("ipfs: daemon %s", base)
	return &IPFSClient{
		base:    base,
		client:  &http.Client{Timeout: timeout},
		logger:  lg,
		timeout: timeout,
	}
}

func (c *IPFSClient) apiURL(endpoint, arg string) string {
	u := c.base + "/api/v0/" + endpoint
	if arg != "" {
		u += "?arg=" + url.QueryEscape(arg)
	}
	return u
}

func (c *IPFSClient) post(ctx context.Context, u string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		return nil, fmt.Errorf("ipfs %s: %d: %s", u, resp.StatusCode, string(b))
	}
	return resp, nil
}

// BlockGet fetches the raw block behind a CID.
func (c *IPFSClient) BlockGet(ctx context.Context, cid string) ([]byte, error) {
	resp, err := c.post(ctx, c.apiURL("block/get", cid), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// BlockSize returns the byte length of the block behind a CID.
func (c *IPFSClient) BlockSize(ctx context.Context, cid string) (int64, error) {
	resp, err := c.post(ctx, c.apiURL("block/stat", cid), nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var stat struct {
		Size int64 `json:"Size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stat); err != nil {
		return 0, fmt.Errorf("decode block/stat: %w", err)
	}
	return stat.Size, nil
}

// Add uploads data to the daemon (pinned) and returns the CID.
func (c *IPFSClient) Add(ctx context.Context, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "blob")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	resp, err := c.post(ctx, c.apiURL("add", "")+"?pin=true", &buf, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var meta struct {
		Hash string `json:"Hash"`
		Size string `json:"Size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("decode add: %w", err)
	}
	if n, err := strconv.Atoi(meta.Size); err == nil {
		c.logger.Debugf("ipfs: added %s (%d bytes)", meta.Hash, n)
	}
	return meta.Hash, nil
}

// PinAdd pins a CID on the daemon.
func (c *IPFSClient) PinAdd(ctx context.Context, cid string) error {
	resp, err := c.post(ctx, c.apiURL("pin/add", cid), nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// PinRm removes a pin. An already-absent pin is not an error.
func (c *IPFSClient) PinRm(ctx context.Context, cid string) error {
	resp, err := c.post(ctx, c.apiURL("pin/rm", cid), nil, "")
	if err != nil {
		// "not pinned" comes back as a 500 from the daemon
		if bytes.Contains([]byte(err.Error()), []byte("not pinned")) {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

// RepoGC asks the daemon to collect unpinned blocks.
func (c *IPFSClient) RepoGC(ctx context.Context) error {
	resp, err := c.post(ctx, c.apiURL("repo/gc", ""), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
