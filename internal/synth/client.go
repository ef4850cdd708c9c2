// Package synth is the HTTP client of the speech engine. The engine turns
// one sentence of text into raw 24kHz mono s16le PCM.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/stream-worker/internal/audio"
	"github.com/book-expert/stream-worker/internal/core"
)

// API endpoints and paths.
const (
	apiSynthesize = "/v1/synthesize"
	apiHealth     = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeL16    = "audio/l16"
)

// ErrorCodeMalformedVoiceReference is the engine's code for a voice whose
// reference audio cannot be used.
const ErrorCodeMalformedVoiceReference = "malformed_voice_reference"

const maxErrorBody = 64 * 1024

var (
	// ErrSynthesis indicates a failed synthesis that may succeed on retry.
	ErrSynthesis = errors.New("synthesis failed")
	// ErrMalformedVoiceReference indicates a voice that will never synthesize.
	ErrMalformedVoiceReference = errors.New("malformed voice reference")
	// ErrTextEmpty indicates text with nothing to speak once normalized.
	ErrTextEmpty = errors.New("text cannot be empty")
)

// Error messages.
const (
	errFmtUnexpectedContentType = "%w: unexpected content type: expected audio/L16, got %q"
	errFmtServiceErrorWithCode  = "%w: engine error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus    = "%w: engine returned non-OK status: %s, body: %s"
)

// Request is the JSON payload of a synthesis call.
type Request struct {
	Text     string  `json:"text"`
	VoiceID  string  `json:"voice_id"`
	Language string  `json:"language"`
	Speed    float64 `json:"speed"`
}

// ErrorResponse is the engine's structured error body.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Client calls the speech engine over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	normalizer *Normalizer
}

// NewClient configures a client for baseURL, e.g. "http://localhost:8000".
// The timeout applies to each request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		normalizer: NewNormalizer(),
	}
}

// Synthesize renders req.Text and returns raw PCM. The text is normalized
// before it is sent.
func (c *Client) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	text := c.normalizer.NormalizeFor(req.Text, req.Language)
	if text == "" {
		return nil, ErrTextEmpty
	}

	requestBody, err := json.Marshal(Request{
		Text:     text,
		VoiceID:  req.VoiceID,
		Language: req.Language,
		Speed:    req.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiSynthesize, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, "audio/L16")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request to engine at %s: %w", ErrSynthesis, c.baseURL, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get(headerContentType))
	if err != nil || strings.ToLower(mediaType) != contentTypeL16 {
		return nil, fmt.Errorf(errFmtUnexpectedContentType, ErrSynthesis, resp.Header.Get(headerContentType))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read audio: %w", ErrSynthesis, err)
	}

	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: received empty audio", ErrSynthesis)
	}

	err = audio.Validate(pcm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	return pcm, nil
}

// HealthCheck verifies that the engine is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for engine at %s: %w", c.baseURL, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// parseErrorResponse decodes a structured engine error, falling back to the
// raw body.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err != nil {
		return fmt.Errorf(errFmtServiceNonOKStatus, ErrSynthesis, resp.Status, string(body))
	}

	if resp.StatusCode == http.StatusUnprocessableEntity && errorResp.ErrorCode == ErrorCodeMalformedVoiceReference {
		return fmt.Errorf(errFmtServiceErrorWithCode, ErrMalformedVoiceReference, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceErrorWithCode, ErrSynthesis, resp.Status, errorResp.Detail, errorResp.ErrorCode)
}
