// Package ocr calls the Mistral OCR API to turn a hosted PDF into markdown.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
)

const (
	defaultBaseURL     = "https://api.mistral.ai/v1"
	defaultModel       = "mistral-ocr-latest"
	defaultTimeout     = 120 * time.Second
	defaultBackoffBase = 500 * time.Millisecond

	errorBodyReadLimit int64 = 1024
)

var errAPIKeyRequired = errors.New("mistral api key is required")

// Client wraps the OCR endpoint.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	timeout     time.Duration
	maxRetries  uint64
	backoffBase time.Duration
	logg        *logger.Logger
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBackoffBase overrides the first retry delay.
func WithBackoffBase(base time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.backoffBase = base
		}
	}
}

func WithLogger(logg *logger.Logger) Option {
	return func(c *Client) {
		c.logg = logg
	}
}

func NewClient(cfg config.OCRConfig, opts ...Option) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errAPIKeyRequired
	}

	client := &Client{
		httpClient:  &http.Client{},
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      key,
		model:       strings.TrimSpace(cfg.Model),
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		backoffBase: defaultBackoffBase,
	}
	if client.baseURL == "" {
		client.baseURL = defaultBaseURL
	}
	if client.model == "" {
		client.model = defaultModel
	}
	if client.timeout <= 0 {
		client.timeout = defaultTimeout
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Image is an extracted figure with its base64 payload.
type Image struct {
	ID          string `json:"id"`
	ImageBase64 string `json:"image_base64"`
}

// Page is one OCR'd page.
type Page struct {
	Index    int     `json:"index"`
	Markdown string  `json:"markdown"`
	Images   []Image `json:"images"`
}

// Result is the OCR response for a document.
type Result struct {
	Model string `json:"model"`
	Pages []Page `json:"pages"`
}

type documentRef struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type processRequest struct {
	Model              string      `json:"model"`
	Document           documentRef `json:"document"`
	IncludeImageBase64 bool        `json:"include_image_base64"`
}

// Process runs OCR on the document at documentURL. Timeouts are retried
// with exponential backoff; every other failure is returned immediately.
func (c *Client) Process(ctx context.Context, documentURL string) (*Result, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "ocr client not configured")
	}
	if strings.TrimSpace(documentURL) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "document url is required")
	}

	payload, err := json.Marshal(processRequest{
		Model:              c.model,
		Document:           documentRef{Type: "document_url", DocumentURL: documentURL},
		IncludeImageBase64: true,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal ocr request")
	}

	var (
		result  *Result
		attempt int
	)
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.backoffBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		res, err := c.do(ctx, payload)
		if err != nil {
			if isTimeout(ctx, err) {
				if c.logg != nil {
					c.logg.Warn(c.logg.WithField(ctx, "attempt", attempt), "ocr request timed out")
				}
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ocr request failed")
	}
	return result, nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func (c *Client) do(ctx context.Context, payload []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build ocr request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
		return nil, &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ocr response: %w", err)
	}
	return &out, nil
}

// isTimeout reports whether err is a per-attempt timeout. Cancellation of the
// caller's context is never retried.
func isTimeout(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusRequestTimeout || se.status == http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
