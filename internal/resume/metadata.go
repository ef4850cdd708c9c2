package resume

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Host metadata defaults.
const (
	DefaultMetadataURL     = "http://169.254.169.254/latest/meta-data"
	InterruptionPath       = "/spot/instance-action"
	InstanceIDPath         = "/instance-id"
	DefaultMetadataTimeout = 2 * time.Second
	maxMetadataBody        = 4096
)

// Metadata reads the host metadata endpoint.
type Metadata struct {
	BaseURL string
	Client  *http.Client
}

// NewMetadata returns a client for baseURL with a short timeout. An empty
// baseURL uses DefaultMetadataURL.
func NewMetadata(baseURL string) *Metadata {
	if baseURL == "" {
		baseURL = DefaultMetadataURL
	}

	return &Metadata{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: DefaultMetadataTimeout},
	}
}

// InstanceID returns the host's instance id, or worker-<uuid> when the
// endpoint is unreachable.
func (m *Metadata) InstanceID(ctx context.Context) string {
	status, body, err := m.get(ctx, InstanceIDPath)
	if err == nil && status == http.StatusOK {
		id := strings.TrimSpace(string(body))
		if id != "" {
			return id
		}
	}

	return "worker-" + uuid.NewString()
}

// Interrupted reports whether the host has been scheduled for interruption.
func (m *Metadata) Interrupted(ctx context.Context) (bool, error) {
	status, _, err := m.get(ctx, InterruptionPath)
	if err != nil {
		return false, err
	}

	return status == http.StatusOK, nil
}

func (m *Metadata) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.BaseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create metadata request: %w", err)
	}

	resp, err := m.Client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query metadata %s: %w", path, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read metadata %s: %w", path, err)
	}

	return resp.StatusCode, body, nil
}
