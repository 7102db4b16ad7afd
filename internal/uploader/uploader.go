package uploader

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/groenwerk/fieldsync/internal/domain"
)

// Item types the field app enqueues. The registry is open: hosts may register
// handlers for additional types without touching this package.
const (
	TypePhoto     = "photo"
	TypeTimeEntry = "time_entry"
)

// Client posts captured field data to the company backend. It provides the
// default upload handlers registered with the engine at startup.
// The base URL is injected from config so tests can point at a local mock.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// classifyStatus turns an HTTP response code into the three-way handler
// outcome: nil for success, a permanent error for client mistakes the backend
// will never accept, a plain error for everything worth retrying.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return fmt.Errorf("backend throttled request: %d", status)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: backend rejected request with %d", domain.ErrPermanent, status)
	default:
		return fmt.Errorf("backend error: %d", status)
	}
}
