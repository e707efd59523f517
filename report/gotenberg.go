// Package report talks to a Gotenberg instance to turn HTML into PDF.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// ErrUnavailable is returned when Gotenberg is not configured or is unreachable.
var ErrUnavailable = errors.New("report: gotenberg unavailable")

// PageOptions maps to the chromium form fields Gotenberg accepts.
type PageOptions struct {
	PaperWidth      string
	PaperHeight     string
	MarginTop       string
	MarginBottom    string
	MarginLeft      string
	MarginRight     string
	PrintBackground bool
}

// DefaultPage is US Letter with half inch margins.
var DefaultPage = PageOptions{
	PaperWidth:      "8.5",
	PaperHeight:     "11",
	MarginTop:       "0.5",
	MarginBottom:    "0.5",
	MarginLeft:      "0.5",
	MarginRight:     "0.5",
	PrintBackground: true,
}

// Client wraps interactions with the Gotenberg API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	page       PageOptions
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPage overrides the default page layout.
func WithPage(p PageOptions) Option {
	return func(c *Client) { c.page = p }
}

// NewClient constructs a new client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		page: DefaultPage,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping checks if the remote Gotenberg service is available.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.baseURL == "" {
		return ErrUnavailable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: health returned status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// RenderHTML converts a standalone HTML document into PDF bytes.
func (c *Client) RenderHTML(ctx context.Context, html string) ([]byte, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrUnavailable
	}
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("files", "index.html")
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(part, html); err != nil {
		return nil, err
	}
	if err := c.writePageFields(writer); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/forms/chromium/convert/html", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("report: render failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("report: read pdf: %w", err)
	}
	if len(pdf) == 0 {
		return nil, errors.New("report: empty pdf")
	}
	return pdf, nil
}

func (c *Client) writePageFields(w *multipart.Writer) error {
	fields := []struct{ name, value string }{
		{"paperWidth", c.page.PaperWidth},
		{"paperHeight", c.page.PaperHeight},
		{"marginTop", c.page.MarginTop},
		{"marginBottom", c.page.MarginBottom},
		{"marginLeft", c.page.MarginLeft},
		{"marginRight", c.page.MarginRight},
	}
	if c.page.PrintBackground {
		fields = append(fields, struct{ name, value string }{"printBackground", "true"})
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := w.WriteField(f.name, f.value); err != nil {
			return err
		}
	}
	return nil
}
