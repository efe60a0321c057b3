// Package procapi speaks the procurement backend's upload contract: preview,
// mapping templates, validation, commit and job polling. The backend owns
// CSV parsing and persistence; this client only moves requests and decodes
// the agreed response shapes.
package procapi

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
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"csvwizard/domain"
)

const (
	pathPreview   = "/api/uploads/preview"
	pathTemplates = "/api/uploads/templates"
	pathValidate  = "/api/uploads/validate"
	pathCommit    = "/api/uploads/commit"
	pathTasks     = "/api/uploads/tasks/"

	// csrfHeader carries the anti-forgery token on every request.
	csrfHeader = "X-CSRF-Token"
)

// APIError is a backend-reported failure: a non-2xx response whose body
// (when present) is {"error": "..."}.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return e.Message
}

type Client struct {
	baseURL   string
	csrfToken string
	hc        *http.Client
}

func New(baseURL, csrfToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		csrfToken: strings.TrimSpace(csrfToken),
		hc: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// CommitResponse is either a synchronous completion (final counts inline) or
// a handle to an asynchronous background job.
type CommitResponse struct {
	Async          bool   `json:"async"`
	SuccessfulRows int    `json:"successful_rows"`
	FailedRows     int    `json:"failed_rows"`
	DuplicateRows  int    `json:"duplicate_rows"`
	Status         string `json:"status"`
	TaskID         string `json:"task_id"`
	UploadID       string `json:"upload_id"`
}

// TaskProgress is one poll result for an asynchronous upload job.
type TaskProgress struct {
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	ProgressMessage string `json:"progress_message"`
	SuccessfulRows  int    `json:"successful_rows"`
	FailedRows      int    `json:"failed_rows"`
	DuplicateRows   int    `json:"duplicate_rows"`
}

// Terminal reports whether this poll result ends the polling loop.
func (p *TaskProgress) Terminal() bool {
	return p != nil && p.Status != domain.TaskStatusProcessing
}

// Preview asks the backend for headers, total row count and sample rows of
// the uploaded CSV.
func (c *Client) Preview(ctx context.Context, orgID, fileName string, file io.Reader) (*domain.PreviewData, error) {
	body, contentType, err := multipartBody(map[string]string{
		"organization_id": orgID,
	}, "file", fileName, file)
	if err != nil {
		return nil, err
	}
	var out struct {
		Headers     []string         `json:"headers"`
		TotalRows   int              `json:"total_rows"`
		PreviewRows []map[string]any `json:"preview_rows"`
	}
	if err := c.do(ctx, http.MethodPost, pathPreview, contentType, body, &out); err != nil {
		return nil, err
	}
	sample := make([]map[string]string, 0, len(out.PreviewRows))
	for _, row := range out.PreviewRows {
		m := make(map[string]string, len(row))
		for k, v := range row {
			m[k] = stringifyCell(v)
		}
		sample = append(sample, m)
	}
	return &domain.PreviewData{
		Headers:    out.Headers,
		TotalRows:  out.TotalRows,
		SampleRows: sample,
	}, nil
}

// ListTemplates fetches the organization's saved mapping templates.
// Failures here are surfaced as errors; the caller decides they are
// non-fatal.
func (c *Client) ListTemplates(ctx context.Context, orgID string) ([]domain.MappingTemplate, error) {
	var out struct {
		Templates []struct {
			Name      string            `json:"name"`
			Mapping   map[string]string `json:"mapping"`
			IsDefault bool              `json:"is_default"`
		} `json:"templates"`
	}
	p := pathTemplates + "?organization_id=" + url.QueryEscape(orgID)
	if err := c.do(ctx, http.MethodGet, p, "", nil, &out); err != nil {
		return nil, err
	}
	tpls := make([]domain.MappingTemplate, 0, len(out.Templates))
	for _, t := range out.Templates {
		tpls = append(tpls, domain.MappingTemplate{
			Name:           t.Name,
			Mapping:        t.Mapping,
			IsDefault:      t.IsDefault,
			OrganizationID: orgID,
		})
	}
	return tpls, nil
}

// SaveTemplate persists a named mapping for the organization.
func (c *Client) SaveTemplate(ctx context.Context, orgID, name string, m map[string]string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("template name is required")
	}
	payload, err := json.Marshal(map[string]any{
		"name":            name,
		"mapping":         m,
		"organization_id": orgID,
	})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, pathTemplates, "application/json", bytes.NewReader(payload), nil)
}

// Validate dry-runs the file under the given mapping: rows are classified
// into valid/invalid/duplicate without persisting anything.
func (c *Client) Validate(ctx context.Context, orgID string, m map[string]string, fileName string, file io.Reader) (*domain.ValidationResult, error) {
	mappingJSON, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	body, contentType, err := multipartBody(map[string]string{
		"organization_id": orgID,
		"mapping":         string(mappingJSON),
	}, "file", fileName, file)
	if err != nil {
		return nil, err
	}
	var out struct {
		ValidCount     int `json:"valid_count"`
		ErrorCount     int `json:"error_count"`
		DuplicateCount int `json:"duplicate_count"`
		Errors         []struct {
			Row     int    `json:"row"`
			Field   string `json:"field"`
			Message string `json:"message"`
			Value   any    `json:"value"`
		} `json:"errors"`
	}
	if err := c.do(ctx, http.MethodPost, pathValidate, contentType, body, &out); err != nil {
		return nil, err
	}
	res := &domain.ValidationResult{
		ValidCount:     out.ValidCount,
		ErrorCount:     out.ErrorCount,
		DuplicateCount: out.DuplicateCount,
		Errors:         make([]domain.RowError, 0, len(out.Errors)),
	}
	for _, e := range out.Errors {
		res.Errors = append(res.Errors, domain.RowError{
			Row:     e.Row,
			Field:   e.Field,
			Message: e.Message,
			Value:   stringifyCell(e.Value),
		})
	}
	return res, nil
}

// Commit performs the real upload. The response is either synchronous (final
// counts inline) or an async job handle to poll.
func (c *Client) Commit(ctx context.Context, orgID string, m map[string]string, skipInvalid bool, fileName string, file io.Reader) (*CommitResponse, error) {
	mappingJSON, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	body, contentType, err := multipartBody(map[string]string{
		"organization_id": orgID,
		"mapping":         string(mappingJSON),
		"skip_invalid":    strconv.FormatBool(skipInvalid),
	}, "file", fileName, file)
	if err != nil {
		return nil, err
	}
	var out CommitResponse
	if err := c.do(ctx, http.MethodPost, pathCommit, contentType, body, &out); err != nil {
		return nil, err
	}
	if out.Async && strings.TrimSpace(out.TaskID) == "" {
		return nil, errors.New("backend returned async commit without task_id")
	}
	return &out, nil
}

// PollTask fetches the current status of an asynchronous upload job.
func (c *Client) PollTask(ctx context.Context, taskID string) (*TaskProgress, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, errors.New("taskID is empty")
	}
	var out TaskProgress
	if err := c.do(ctx, http.MethodGet, pathTasks+url.PathEscape(taskID), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.csrfToken != "" {
		req.Header.Set(csrfHeader, c.csrfToken)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read backend response: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode backend response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &body); err == nil && strings.TrimSpace(body.Error) != "" {
		apiErr.Message = strings.TrimSpace(body.Error)
	} else if msg := strings.TrimSpace(string(b)); msg != "" && len(msg) < 512 {
		apiErr.Message = msg
	}
	return apiErr
}

func multipartBody(fields map[string]string, fileField, fileName string, file io.Reader) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if file != nil {
		part, err := w.CreateFormFile(fileField, fileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, file); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// stringifyCell renders a decoded JSON cell value the way a CSV user would
// expect: integers without a trailing ".0", nulls as empty strings.
func stringifyCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
