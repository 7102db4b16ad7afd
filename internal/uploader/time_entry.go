package uploader

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/groenwerk/fieldsync/internal/domain"
)

// UploadTimeEntry posts a manual time entry payload as JSON. The payload is
// opaque to the agent: whatever the field app recorded (project id, hours,
// notes) goes through unmodified.
func (c *Client) UploadTimeEntry(ctx context.Context, item domain.QueueItem) error {
	if len(item.Data) == 0 {
		return fmt.Errorf("%w: time entry has no payload", domain.ErrPermanent)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/time-entries", bytes.NewReader(item.Data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Item-ID", item.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send time entry: %w", err)
	}
	defer resp.Body.Close()

	return classifyStatus(resp.StatusCode)
}
