// Package ocr is the HTTP client for the optical recognition service.
//
// The service exposes three recognition routes, each taking a binary upload
// and answering {success, text, pages, processing_time} — or
// {success: false, error} on failure:
//
//	POST /ocr                // one raster image
//	POST /ocr/pdf            // every page of a PDF, with page markers
//	POST /ocr/pdf/first-page // first page of a PDF only
//
// Failures are returned as errors, never panics: callers degrade to sentinel
// text when recognition is unavailable.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"
)

// Config configures the recognition client.
type Config struct {
	// BaseURL of the recognition service, e.g. "http://localhost:8765".
	BaseURL string

	// Timeout for one recognition call. Full-PDF recognition renders and
	// recognizes every page server-side, so the default is generous: 5m.
	Timeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result is the recognition service response.
type Result struct {
	Success        bool    `json:"success"`
	Text           string  `json:"text"`
	Pages          int     `json:"pages"`
	ProcessingTime float64 `json:"processing_time"`
	Error          string  `json:"error,omitempty"`
}

// Client talks to the recognition service.
type Client struct {
	cfg Config
	hc  *http.Client
}

// New creates a recognition client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Health checks service availability.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("ocr: build request: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("ocr: health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ocr: health: status %d", resp.StatusCode)
	}
	return nil
}

// RecognizeImage recognizes text in one raster image.
func (c *Client) RecognizeImage(ctx context.Context, img []byte) (*Result, error) {
	return c.recognize(ctx, "/ocr", "image.png", img)
}

// RecognizePDF recognizes every page of a PDF. The service renders each page
// and concatenates recognized text with page markers.
func (c *Client) RecognizePDF(ctx context.Context, pdf []byte) (*Result, error) {
	return c.recognize(ctx, "/ocr/pdf", "document.pdf", pdf)
}

// RecognizePDFFirstPage recognizes only the first page of a PDF. Used during
// the scan phase to bound recognition cost.
func (c *Client) RecognizePDFFirstPage(ctx context.Context, pdf []byte) (*Result, error) {
	return c.recognize(ctx, "/ocr/pdf/first-page", "document.pdf", pdf)
}

func (c *Client) recognize(ctx context.Context, route, filename string, payload []byte) (*Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("ocr: build form: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, fmt.Errorf("ocr: write form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("ocr: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+route, &body)
	if err != nil {
		return nil, fmt.Errorf("ocr: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr: %s: %w", route, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("ocr: read response: %w", err)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("ocr: decode response (status %d): %w", resp.StatusCode, err)
	}
	if !res.Success {
		return &res, fmt.Errorf("ocr: %s: service error: %s", route, res.Error)
	}

	c.cfg.Logger.Debug("ocr: recognized",
		"route", route,
		"pages", res.Pages,
		"chars", len(res.Text),
		"processing_time", res.ProcessingTime,
		"round_trip", time.Since(start),
	)
	return &res, nil
}
