// Package filestore talks to the file-store collaborator that owns the core
// persona files and the uploaded-files workspace, and keeps a local text
// cache of those files.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrBinary is returned when a workspace file cannot be read as text.
var ErrBinary = errors.New("filestore: binary file cannot be opened as text")

// DefaultTimeout bounds each request when no HTTP client is supplied.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response body is kept.
const maxErrorBody = 4096

// StatusError reports a non-success response from the collaborator.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("filestore: %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("filestore: %s: status %d: %s", e.Op, e.Status, e.Body)
}

// FileInfo describes one workspace file.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// TextFile is the best-effort decoded text of a workspace file.
type TextFile struct {
	Text string `json:"text"`
	Kind string `json:"kind"`
}

// Commit controls whether a write is committed by the collaborator.
type Commit struct {
	Enabled bool
	Message string
}

// message returns the commit message to send, or "" when commits are off.
func (c Commit) message(file string) string {
	if !c.Enabled {
		return ""
	}
	if m := strings.TrimSpace(c.Message); m != "" {
		return m
	}
	return "Update " + file
}

// Client is an HTTP client for the file-store collaborator.
type Client struct {
	base string
	http *http.Client
	log  *zap.Logger
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL    string // e.g. http://localhost:8787/api
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("filestore: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("filestore: base url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{base: base, http: hc, log: log}, nil
}

// BaseURL returns the collaborator root.
func (c *Client) BaseURL() string { return c.base }

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client { return c.http }

func (c *Client) url(parts ...string) string {
	esc := make([]string, len(parts))
	for i, p := range parts {
		esc[i] = url.PathEscape(p)
	}
	return c.base + "/" + strings.Join(esc, "/")
}

// do sends req and returns the response body of a 2xx response.
func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("filestore: %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("filestore: %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Body: msg}
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, op, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("filestore: %s: %w", op, err)
	}
	return c.do(req, op)
}

func (c *Client) postJSON(ctx context.Context, op, u string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("filestore: %s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("filestore: %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op)
}

// ReadCore returns the current text of a core file.
func (c *Client) ReadCore(ctx context.Context, file string) (string, error) {
	body, err := c.get(ctx, "read "+file, c.url("core", file))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

type writeCoreRequest struct {
	Content       string `json:"content"`
	CommitMessage string `json:"commitMessage,omitempty"`
}

// WriteCore replaces the content of a core file.
func (c *Client) WriteCore(ctx context.Context, file, content string, commit Commit) error {
	_, err := c.postJSON(ctx, "write "+file, c.url("core", file), writeCoreRequest{
		Content:       content,
		CommitMessage: commit.message(file),
	})
	if err == nil {
		c.log.Info("core file written", zap.String("file", file), zap.Bool("commit", commit.Enabled))
	}
	return err
}

type applyDiffRequest struct {
	File          string `json:"file"`
	Diff          string `json:"diff"`
	CommitMessage string `json:"commitMessage,omitempty"`
}

// ApplyDiff asks the collaborator to merge a unified diff into a core file.
func (c *Client) ApplyDiff(ctx context.Context, file, diff string, commit Commit) error {
	_, err := c.postJSON(ctx, "apply diff "+file, c.url("diff", "apply"), applyDiffRequest{
		File:          file,
		Diff:          diff,
		CommitMessage: commit.message(file),
	})
	if err == nil {
		c.log.Info("diff applied", zap.String("file", file), zap.Bool("commit", commit.Enabled))
	}
	return err
}

// ListFiles lists the workspace files.
func (c *Client) ListFiles(ctx context.Context) ([]FileInfo, error) {
	body, err := c.get(ctx, "list files", c.url("files"))
	if err != nil {
		return nil, err
	}
	var out struct {
		Files []FileInfo `json:"files"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("filestore: list files: decode: %w", err)
	}
	return out.Files, nil
}

// Upload writes name into the workspace as a multipart upload, replacing
// any file with the same name.
func (c *Client) Upload(ctx context.Context, name string, content io.Reader) error {
	op := "upload " + name
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", name)
	if err != nil {
		return fmt.Errorf("filestore: %s: %w", op, err)
	}
	if _, err := io.Copy(fw, content); err != nil {
		return fmt.Errorf("filestore: %s: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("filestore: %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("files"), &buf)
	if err != nil {
		return fmt.Errorf("filestore: %s: %w", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if _, err := c.do(req, op); err != nil {
		return err
	}
	c.log.Info("workspace file uploaded", zap.String("file", name))
	return nil
}

// ReadRaw returns the raw bytes of a workspace file.
func (c *Client) ReadRaw(ctx context.Context, name string) ([]byte, error) {
	return c.get(ctx, "read raw "+name, c.url("files", name))
}

// ReadText returns the text of a workspace file. The decoded /text endpoint
// is tried first; when it fails or yields nothing the raw bytes are used,
// and raw content holding NUL bytes is rejected with ErrBinary.
func (c *Client) ReadText(ctx context.Context, name string) (TextFile, error) {
	body, err := c.get(ctx, "read text "+name, c.url("files", name, "text"))
	if err == nil {
		var tf TextFile
		if jerr := json.Unmarshal(body, &tf); jerr == nil && tf.Text != "" {
			return tf, nil
		}
	} else {
		c.log.Debug("decoded text unavailable, falling back to raw", zap.String("file", name), zap.Error(err))
	}

	raw, err := c.ReadRaw(ctx, name)
	if err != nil {
		return TextFile{}, err
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return TextFile{}, fmt.Errorf("%w: %s", ErrBinary, name)
	}
	return TextFile{Text: string(raw), Kind: "text"}, nil
}
