package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/chakshot/internal/logging"
)

// StatusError reports a non-2xx response. The body is not retained.
type StatusError struct {
	Operation  string
	StatusCode int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Operation, e.StatusCode)
}

// HTTPClient talks to the analysis backend over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient returns a client for the backend rooted at baseURL. A zero
// timeout leaves the http.Client without a deadline.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("backend"),
	}
}

// Health calls GET /health; any 2xx means the backend is operational.
func (c *HTTPClient) Health(ctx context.Context) error {
	resp, err := c.do(ctx, "backend.health", http.MethodGet, "/health", nil, "")
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

// Version calls GET /version and returns the reported version string.
func (c *HTTPClient) Version(ctx context.Context) (string, error) {
	const op = "backend.version"
	resp, err := c.do(ctx, op, http.MethodGet, "/version", nil, "")
	if err != nil {
		return "", err
	}
	defer drain(resp)

	var payload struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", logging.NewOperationError(op, "", err)
	}
	return payload.Version, nil
}

// ProcessBaseline calls POST /process-baseline.
func (c *HTTPClient) ProcessBaseline(ctx context.Context, req BaselineRequest) (*BaselineResponse, error) {
	const op = "backend.process_baseline"
	body, contentType, err := buildForm(
		[]filePart{{"user_image", req.User}, {"model_image", req.Model}},
		[][2]string{{"language", req.Language}},
	)
	if err != nil {
		return nil, logging.NewOperationError(op, "", err)
	}

	resp, err := c.do(ctx, op, http.MethodPost, "/process-baseline", body, contentType)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	var out BaselineResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, logging.NewOperationError(op, "", err)
	}
	return &out, nil
}

// ProcessActive calls POST /process-ai.
func (c *HTTPClient) ProcessActive(ctx context.Context, req ActiveRequest) (*ActiveResponse, error) {
	const op = "backend.process_ai"
	fields := [][2]string{{"mode", req.Mode}}
	for _, k := range slices.Sorted(maps.Keys(req.ExtraFields)) {
		fields = append(fields, [2]string{k, req.ExtraFields[k]})
	}
	fields = append(fields,
		[2]string{"language", req.Language},
		[2]string{"user_ratios_json", req.UserRatiosJSON},
		[2]string{"model_ratios_json", req.ModelRatiosJSON},
	)
	body, contentType, err := buildForm(
		[]filePart{{"user_image", req.User}, {"model_image", req.Model}},
		fields,
	)
	if err != nil {
		return nil, logging.NewOperationError(op, "", err)
	}

	resp, err := c.do(ctx, op, http.MethodPost, "/process-ai", body, contentType)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	var out ActiveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, logging.NewOperationError(op, "", err)
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, logging.NewOperationError(op, "", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError(op, "", err)
		c.logger.Debug("backend call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp)
		statusErr := &StatusError{Operation: op, StatusCode: resp.StatusCode}
		c.logger.Debug("backend returned failure status", zap.String("operation", op), zap.Int("status", resp.StatusCode))
		return nil, logging.NewOperationError(op, "", statusErr)
	}
	return resp, nil
}

type filePart struct {
	field string
	image Image
}

func buildForm(files []filePart, fields [][2]string) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, f := range files {
		header := make(textproto.MIMEHeader)
		filename := f.image.Filename
		if filename == "" {
			filename = f.field
		}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, filename))
		contentType := f.image.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.image.Data); err != nil {
			return nil, "", err
		}
	}

	for _, kv := range fields {
		if err := writer.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
