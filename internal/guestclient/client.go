// Package guestclient is the host-side HTTP client for the in-guest agent
// (spec.md §6, "Wire protocol to the in-guest agent"). It is the
// virtio-vsock analogue of the teacher's internal/client.Client: same
// doJSON/doRaw/parseError shape, but the transport dials AF_VSOCK instead
// of a unix socket, since there is no filesystem shared between host and
// guest to put a socket file in.
package guestclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/ghostvm/ghostvm/internal/vmerr"
)

// DefaultPort is the well-known guest agent port (spec.md §6).
const DefaultPort uint32 = 5000

// Client talks to the in-guest agent over a virtio-vsock connection.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client that dials contextID:port over AF_VSOCK for every
// request. contextID is the guest's vsock CID, assigned by the hypervisor
// adapter at VM creation time.
func New(contextID uint32, port uint32) *Client {
	if port == 0 {
		port = DefaultPort
	}
	return newWithDialer(func(ctx context.Context) (net.Conn, error) {
		return dialVsock(ctx, contextID, port)
	})
}

// newWithDialer builds a Client around an arbitrary connection dialer,
// the seam tests use to substitute a loopback TCP/Unix dial for the real
// AF_VSOCK transport.
func newWithDialer(dial func(ctx context.Context) (net.Conn, error)) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dial(ctx)
				},
			},
			Timeout: 5 * time.Second,
		},
		baseURL: "http://ghostvm-guest",
	}
}

// dialVsock dials the vsock connection on a goroutine so ctx cancellation
// is honored; vsock.Dial itself takes no context.
func dialVsock(ctx context.Context, contextID, port uint32) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := vsock.Dial(contextID, port)
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, vmerr.Wrap(vmerr.GhostClientConnection, "dial guest agent", r.err)
		}
		return r.conn, nil
	}
}

// ClipboardContent is the body/response shape of the /clipboard endpoints.
type ClipboardContent struct {
	Content     string `json:"content,omitempty"`
	Type        string `json:"type,omitempty"`
	ChangeCount int    `json:"changeCount,omitempty"`
}

// GetClipboard returns the guest's current clipboard contents.
func (c *Client) GetClipboard(ctx context.Context) (*ClipboardContent, error) {
	var out ClipboardContent
	if err := c.doJSON(ctx, http.MethodGet, "/clipboard", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetClipboard sets the guest's clipboard contents.
func (c *Client) SetClipboard(ctx context.Context, content ClipboardContent) error {
	return c.doJSON(ctx, http.MethodPost, "/clipboard", content, nil)
}

// ReceiveFileResult is the response from POST /files/receive.
type ReceiveFileResult struct {
	Path string `json:"path"`
}

// SendFile streams data to the guest's Downloads directory under name, via
// POST /files/receive. The guest side owns path sanitization (rejecting
// "..", "/", "\\", empty components) and filename dedup; this method only
// sets the filename header.
func (c *Client) SendFile(ctx context.Context, name string, data io.Reader) (*ReceiveFileResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/receive", data)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.GhostClientEncode, "build request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Ghostvm-Filename", name)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, parseError(resp)
	}

	var out ReceiveFileResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, vmerr.Wrap(vmerr.GhostClientDecode, "decode response", err)
	}
	return &out, nil
}

// ListFiles returns the outgoing-queue paths pending pickup by the host.
func (c *Client) ListFiles(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.doJSON(ctx, http.MethodGet, "/files", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListURLs returns the guest's pending URL queue, filtered to http/https.
func (c *Client) ListURLs(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.doJSON(ctx, http.MethodGet, "/urls", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LogLine is one entry from the guest agent's bounded log ring.
type LogLine struct {
	Timestamp time.Time `json:"ts"`
	Line      string    `json:"line"`
}

// Logs returns the guest agent's buffered log lines (bounded ring of 500,
// per spec.md §6).
func (c *Client) Logs(ctx context.Context) ([]LogLine, error) {
	var out []LogLine
	if err := c.doJSON(ctx, http.MethodGet, "/logs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// doJSON makes a JSON request and decodes the JSON response into result.
// If result is nil, the response body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path string, body, result interface{}) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return vmerr.Wrap(vmerr.GhostClientDecode, "decode response", err)
	}
	return nil
}

// doRaw makes an HTTP request and returns the raw response. Caller must
// close resp.Body.
func (c *Client) doRaw(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, vmerr.Wrap(vmerr.GhostClientEncode, "marshal request", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.GhostClientEncode, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// classifyTransportErr maps net/http transport failures to the narrower
// GhostClientError kinds spec.md §7 calls for, instead of surfacing a bare
// net.Error up through the core.
func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return vmerr.Wrap(vmerr.GhostClientTimeout, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return vmerr.Wrap(vmerr.GhostClientTimeout, "request timed out", err)
	}
	var vmErr *vmerr.Error
	if errors.As(err, &vmErr) {
		return vmErr
	}
	return vmerr.Wrap(vmerr.GhostClientNotConnected, "request failed", err)
}

// parseError reads an error response body and returns a GhostClientStatus
// error carrying the HTTP status code and body.
func parseError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	return vmerr.GhostClientStatusErr(resp.StatusCode, string(bytes.TrimSpace(data)))
}
