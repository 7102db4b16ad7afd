package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/groenwerk/fieldsync/internal/domain"
)

// UploadPhoto posts a captured photo as a multipart request: the file from the
// device plus the item's JSON metadata (project id, caption, GPS fix).
//
// A vanished local file is permanent — retrying cannot bring it back.
func (c *Client) UploadPhoto(ctx context.Context, item domain.QueueItem) error {
	if item.LocalPath == "" {
		return fmt.Errorf("%w: photo item has no local path", domain.ErrPermanent)
	}

	f, err := os.Open(item.LocalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: photo file missing: %s", domain.ErrPermanent, item.LocalPath)
		}
		return fmt.Errorf("open photo: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if len(item.Data) > 0 {
		if err := mw.WriteField("metadata", string(item.Data)); err != nil {
			return fmt.Errorf("write metadata part: %w", err)
		}
	}

	part, err := mw.CreateFormFile("photo", filepath.Base(item.LocalPath))
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy photo data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/photos", &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Item-ID", item.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	defer resp.Body.Close()

	return classifyStatus(resp.StatusCode)
}
