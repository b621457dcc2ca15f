package integration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultPollInterval = 2 * time.Second
	maxResponseBytes    = 4 << 20

	fileStateActive = "ACTIVE"
	fileStateFailed = "FAILED"
)

var supportedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"image/heic":      true,
	"image/heif":      true,
	"video/mp4":       true,
	"video/mpeg":      true,
	"video/quicktime": true,
	"video/webm":      true,
	"video/3gpp":      true,
}

// SupportedMimeType reports whether the analysis capability accepts mimeType.
func SupportedMimeType(mimeType string) bool {
	return supportedMimeTypes[normalizeMime(mimeType)]
}

func IsVideo(mimeType string) bool {
	return strings.HasPrefix(normalizeMime(mimeType), "video/")
}

func normalizeMime(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// AnalysisClient calls the external content-analysis capability. It performs a
// single attempt per call; retries belong to the job queue.
type AnalysisClient interface {
	Analyze(ctx context.Context, data []byte, mimeType, prompt string) (json.RawMessage, error)
}

type AnalysisConfig struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
}

type analysisClient struct {
	cfg        AnalysisConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

type Option func(*analysisClient)

func WithHTTPClient(client *http.Client) Option {
	return func(c *analysisClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func NewAnalysisClient(cfg AnalysisConfig, logger zerolog.Logger, opts ...Option) AnalysisClient {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	c := &analysisClient{
		cfg: cfg,
		// Deadlines come from the caller's context.
		httpClient: &http.Client{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type analyzeRequest struct {
	MimeType string `json:"mime_type"`
	Prompt   string `json:"prompt"`
	Content  string `json:"content,omitempty"`
	FileID   string `json:"file_id,omitempty"`
}

type analyzeResponse struct {
	Result json.RawMessage `json:"result"`
}

type fileResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

func (c *analysisClient) Analyze(ctx context.Context, data []byte, mimeType, prompt string) (json.RawMessage, error) {
	mimeType = normalizeMime(mimeType)
	if !SupportedMimeType(mimeType) {
		return nil, fmt.Errorf("%w: unsupported mime type %q", ErrInvalidInput, mimeType)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}

	req := analyzeRequest{MimeType: mimeType, Prompt: prompt}

	if IsVideo(mimeType) {
		fileID, err := c.uploadAndWait(ctx, data, mimeType)
		if err != nil {
			return nil, err
		}
		req.FileID = fileID
	} else {
		req.Content = base64.StdEncoding.EncodeToString(data)
	}

	var resp analyzeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/analyze", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil, fmt.Errorf("%w: empty analysis result", ErrUnavailable)
	}

	return resp.Result, nil
}

// uploadAndWait stages video content and polls until it is ready for analysis.
func (c *analysisClient) uploadAndWait(ctx context.Context, data []byte, mimeType string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/files", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mimeType)

	var file fileResponse
	if err := c.do(httpReq, &file); err != nil {
		return "", err
	}
	if file.ID == "" {
		return "", fmt.Errorf("%w: upload returned no file id", ErrUnavailable)
	}

	c.logger.Debug().Str("file_id", file.ID).Int("bytes", len(data)).Msg("Video uploaded for analysis")

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		switch file.State {
		case fileStateActive:
			return file.ID, nil
		case fileStateFailed:
			return "", fmt.Errorf("%w: video processing failed: %s", ErrInvalidInput, file.Error)
		}

		select {
		case <-ctx.Done():
			return "", classifyTransport(ctx.Err())
		case <-ticker.C:
		}

		if err := c.doJSON(ctx, http.MethodGet, "/v1/files/"+file.ID, nil, &file); err != nil {
			return "", err
		}
	}
}

func (c *analysisClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, out)
}

func (c *analysisClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return classifyTransport(ctxErr)
		}
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	return nil
}
