// Package engine is the HTTP client for the MTM-8 semantic engine.
//
// Every failure is folded into the response value ({ok:false, error}) so
// callers branch on OK instead of handling errors. The classified cause is
// kept in the Cause field for logging and errors.Is checks.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/excelwiz/internal/apperr"
	"github.com/starford/excelwiz/internal/models"
)

const maxResponseBytes = 64 << 20 // 64 MB

// UploadResponse is the outcome of an upload.
type UploadResponse struct {
	OK       bool             `json:"ok"`
	Workbook *models.Workbook `json:"workbook,omitempty"`
	Schemas  json.RawMessage  `json:"schemas,omitempty"`
	Error    string           `json:"error,omitempty"`
	Cause    error            `json:"-"`
}

// RunResponse is the outcome of a run.
type RunResponse struct {
	OK      bool            `json:"ok"`
	Result  json.RawMessage `json:"result,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
	Error   string          `json:"error,omitempty"`
	Cause   error           `json:"-"`
}

type runRequest struct {
	Query    string           `json:"query"`
	Workbook *models.Workbook `json:"workbook"`
}

// Client talks to the engine over POST /upload and POST /run.
type Client struct {
	rawBase string
	http    *http.Client
	logger  *slog.Logger

	once    sync.Once
	base    string
	baseErr error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient returns a client for the engine at baseURL. The URL is not
// checked here; a missing or malformed URL surfaces as a configuration
// error on the first request.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		rawBase: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the resolved base URL, or the configuration error.
func (c *Client) BaseURL() (string, error) {
	c.once.Do(func() {
		c.base, c.baseErr = resolveBase(c.rawBase)
		if c.baseErr != nil {
			c.logger.Warn("engine: backend URL is not usable", slog.String("error", c.baseErr.Error()))
		}
	})
	return c.base, c.baseErr
}

func resolveBase(raw string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	err := validation.Validate(base,
		validation.Required.Error("backend URL is not set (engine.base_url / BACKEND_URL)"),
		validation.By(httpURL),
	)
	if err != nil {
		return "", apperr.New(apperr.KindConfiguration, "configuration error: "+err.Error(), err)
	}
	return base, nil
}

func httpURL(v any) error {
	s, _ := v.(string)
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("backend URL %q is invalid: %w", s, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend URL %q must be an absolute http(s) URL", s)
	}
	return nil
}

// Upload sends the spreadsheet as multipart field "file" and returns the
// normalised workbook and schema metadata.
func (c *Client) Upload(ctx context.Context, filename string, file io.Reader) UploadResponse {
	fail := func(msg string, err error) UploadResponse {
		cause := classify(apperr.KindUpload, msg, err)
		c.logger.Warn("engine: upload failed", slog.String("error", cause.Error()))
		return UploadResponse{OK: false, Error: cause.Error(), Cause: cause}
	}

	base, err := c.BaseURL()
	if err != nil {
		return fail("", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fail("", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fail("", err)
	}
	if err := mw.Close(); err != nil {
		return fail("", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/upload", &buf)
	if err != nil {
		return fail("", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	status, body, err := c.do(req)
	if err != nil {
		return fail("", err)
	}
	if status < 200 || status > 299 {
		return fail(statusMessage("Upload failed", status, body), nil)
	}

	var raw struct {
		OK       bool            `json:"ok"`
		Workbook json.RawMessage `json:"workbook"`
		Schemas  json.RawMessage `json:"schemas"`
		Error    string          `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return fail("Upload failed: invalid engine response: "+err.Error(), err)
	}
	if !raw.OK {
		return fail(orDefault(raw.Error, "Upload failed"), nil)
	}

	resp := UploadResponse{OK: true}
	if !models.IsAbsent(raw.Workbook) {
		wb, err := models.DecodeWorkbook(raw.Workbook)
		if err != nil {
			return fail("Upload failed: invalid workbook: "+err.Error(), err)
		}
		resp.Workbook = wb
	}
	if !models.IsAbsent(raw.Schemas) {
		resp.Schemas = raw.Schemas
	}
	c.logger.Info("engine: workbook uploaded",
		slog.String("filename", filename),
		slog.Int("sheets", resp.Workbook.SheetCount()))
	return resp
}

// Run submits the effective query with the workbook context, if any.
// Callers must not pass an empty query.
func (c *Client) Run(ctx context.Context, effectiveQuery string, wb *models.Workbook) RunResponse {
	fail := func(msg string, err error) RunResponse {
		cause := classify(apperr.KindRun, msg, err)
		c.logger.Warn("engine: run failed", slog.String("error", cause.Error()))
		return RunResponse{OK: false, Error: cause.Error(), Cause: cause}
	}

	base, err := c.BaseURL()
	if err != nil {
		return fail("", err)
	}

	payload, err := json.Marshal(runRequest{Query: effectiveQuery, Workbook: wb})
	if err != nil {
		return fail("", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/run", bytes.NewReader(payload))
	if err != nil {
		return fail("", err)
	}
	req.Header.Set("Content-Type", "application/json")

	status, body, err := c.do(req)
	if err != nil {
		return fail("", err)
	}
	if status < 200 || status > 299 {
		return fail(statusMessage("Engine call failed", status, body), nil)
	}

	var raw struct {
		OK      bool            `json:"ok"`
		Result  json.RawMessage `json:"result"`
		Context json.RawMessage `json:"context"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return fail("Engine error: invalid engine response: "+err.Error(), err)
	}
	if !raw.OK {
		return fail(orDefault(raw.Error, "Engine error"), nil)
	}

	resp := RunResponse{OK: true}
	if !models.IsAbsent(raw.Result) {
		resp.Result = raw.Result
	}
	if !models.IsAbsent(raw.Context) {
		resp.Context = raw.Context
	}
	c.logger.Info("engine: run completed",
		slog.Int("query_length", len(effectiveQuery)),
		slog.Bool("with_workbook", wb != nil))
	return resp
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// classify keeps configuration errors as they are and wraps everything else
// in the operation's kind.
func classify(kind apperr.Kind, msg string, err error) *apperr.Error {
	var cfgErr *apperr.Error
	if errors.As(err, &cfgErr) && cfgErr.Kind == apperr.KindConfiguration {
		return cfgErr
	}
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return apperr.New(kind, msg, err)
}

func statusMessage(prefix string, status int, body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Sprintf("%s (%d)", prefix, status)
	}
	return fmt.Sprintf("%s (%d): %s", prefix, status, text)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
