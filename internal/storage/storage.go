// Package storage uploads message attachments to the blob store and
// returns the stored object's metadata for the agent runtime.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/harbinger-ai/harbinger/internal/httpkit"
)

// Object describes one stored attachment.
type Object struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Client uploads raw bytes to the storage collaborator.
type Client struct {
	uploadURL string
	token     string
	http      *http.Client
	logger    *slog.Logger
}

// New creates a storage client.
func New(uploadURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		uploadURL: uploadURL,
		token:     token,
		http: httpkit.NewClient(
			httpkit.WithTimeout(60*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Upload stores one attachment and returns its metadata. The body is
// buffered so the multipart request can carry a correct size; platform
// attachments are bounded well below memory concerns.
func (c *Client) Upload(ctx context.Context, filename, mimeType string, r io.Reader) (Object, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return Object{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return Object{}, fmt.Errorf("copy attachment body: %w", err)
	}
	if err := w.WriteField("mimeType", mimeType); err != nil {
		return Object{}, fmt.Errorf("write mime field: %w", err)
	}
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &buf)
	if err != nil {
		return Object{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Object{}, fmt.Errorf("upload %s: unexpected status %d", filename, resp.StatusCode)
	}

	var obj Object
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return Object{}, fmt.Errorf("decode upload response: %w", err)
	}
	return obj, nil
}
