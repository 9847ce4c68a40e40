package conversion

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/pdf2md-billing/internal/balance"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/metrics"
	"github.com/angelmondragon/pdf2md-billing/pkg/ocr"
)

const DefaultMaxUploadBytes int64 = 20 << 20

const (
	pdfContentType = "application/pdf"
	pdfMagic       = "%PDF-"
	cleanupTimeout = 30 * time.Second
)

type objectStore interface {
	ObjectKey(userID, filename string) string
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

type ocrEngine interface {
	Process(ctx context.Context, documentURL string) (*ocr.Result, error)
}

type pageLedger interface {
	PagesRemaining(ctx context.Context, userID string) (int64, error)
	ConsumePages(ctx context.Context, userID string, pages int64, documentName string) (*balance.Consumption, error)
}

type ServiceParams struct {
	Store          objectStore
	OCR            ocrEngine
	Ledger         pageLedger
	Metrics        *metrics.BillingMetrics
	Logger         *logger.Logger
	MaxUploadBytes int64
}

type Service struct {
	store    objectStore
	ocr      ocrEngine
	ledger   pageLedger
	metrics  *metrics.BillingMetrics
	logg     *logger.Logger
	maxBytes int64
	cleanup  sync.WaitGroup
}

type Image struct {
	Index  int    `json:"index"`
	Base64 string `json:"base64"`
}

type Result struct {
	Markdown       string  `json:"markdown"`
	Images         []Image `json:"images"`
	Pages          int64   `json:"pages"`
	PagesRemaining int64   `json:"pagesRemaining"`
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "object store required")
	}
	if params.OCR == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ocr engine required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "page ledger required")
	}
	maxBytes := params.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &Service{
		store:    params.Store,
		ocr:      params.OCR,
		ledger:   params.Ledger,
		metrics:  params.Metrics,
		logg:     params.Logger,
		maxBytes: maxBytes,
	}, nil
}

func (s *Service) MaxUploadBytes() int64 {
	return s.maxBytes
}

// Convert uploads the PDF, runs OCR over a presigned URL and charges the
// caller one page per OCR'd page. The upload is removed in the background
// whatever the outcome.
func (s *Service) Convert(ctx context.Context, userID, filename string, pdf io.Reader, size int64) (*Result, error) {
	res, err := s.convert(ctx, userID, filename, pdf, size)
	s.metrics.IncConversion(outcome(err))
	return res, err
}

func (s *Service) convert(ctx context.Context, userID, filename string, pdf io.Reader, size int64) (*Result, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user id required")
	}
	if pdf == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file is required")
	}
	if size > s.maxBytes {
		return nil, tooLarge(s.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(pdf, s.maxBytes+1))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read upload")
	}
	if int64(len(data)) > s.maxBytes {
		return nil, tooLarge(s.maxBytes)
	}
	if !isPDF(data) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file must be a PDF")
	}

	remaining, err := s.ledger.PagesRemaining(ctx, userID)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientPages, "no pages remaining").
			WithDetails(map[string]any{"requested": 1, "available": remaining})
	}

	key := s.store.ObjectKey(userID, filename)
	if err := s.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), pdfContentType); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "upload pdf")
	}
	defer s.removeUpload(ctx, key)

	url, err := s.store.PresignGet(ctx, key)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "presign pdf")
	}

	ocrResult, err := s.ocr.Process(ctx, url)
	if err != nil {
		return nil, err
	}

	out := assemble(ocrResult)
	if out.Pages == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "ocr returned no pages")
	}

	consumption, err := s.ledger.ConsumePages(ctx, userID, out.Pages, filename)
	if err != nil {
		return nil, err
	}
	out.PagesRemaining = consumption.PagesRemaining

	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"user_id": userID,
			"pages":   out.Pages,
			"images":  len(out.Images),
		}), "conversion.completed")
	}
	return out, nil
}

func (s *Service) removeUpload(ctx context.Context, key string) {
	s.cleanup.Add(1)
	go func() {
		defer s.cleanup.Done()
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := s.store.Delete(cleanupCtx, key); err != nil && s.logg != nil {
			s.logg.Error(s.logg.WithField(cleanupCtx, "object_key", key), "conversion.cleanup_failed", err)
		}
	}()
}

// Wait blocks until background cleanups have finished.
func (s *Service) Wait() {
	s.cleanup.Wait()
}

func assemble(res *ocr.Result) *Result {
	out := &Result{Images: []Image{}}
	if res == nil {
		return out
	}
	parts := make([]string, 0, len(res.Pages))
	for _, page := range res.Pages {
		parts = append(parts, page.Markdown)
		for _, img := range page.Images {
			out.Images = append(out.Images, Image{Index: len(out.Images), Base64: img.ImageBase64})
		}
	}
	out.Markdown = strings.Join(parts, "\n\n")
	out.Pages = int64(len(res.Pages))
	return out
}

func isPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte(pdfMagic)) && http.DetectContentType(data) == pdfContentType
}

func tooLarge(limit int64) error {
	return pkgerrors.New(pkgerrors.CodeValidation, "file exceeds upload limit").
		WithDetails(map[string]any{"maxBytes": limit})
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if typed := pkgerrors.As(err); typed != nil {
		switch typed.Code() {
		case pkgerrors.CodeValidation:
			return "rejected"
		case pkgerrors.CodeInsufficientPages:
			return "insufficient_pages"
		}
	}
	return "failed"
}
