package conversion

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/angelmondragon/pdf2md-billing/internal/balance"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/ocr"
)

const samplePDF = "%PDF-1.7\n1 0 obj\n<< /Type /Catalog >>\nendobj\n%%EOF"

type fakeStore struct {
	mu        sync.Mutex
	uploaded  map[string]string
	deleted   []string
	uploadErr error
}

func (f *fakeStore) ObjectKey(userID, filename string) string {
	return "pdf-uploads/" + userID + "/" + filename
}

func (f *fakeStore) Upload(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, _ := io.ReadAll(body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploaded == nil {
		f.uploaded = map[string]string{}
	}
	f.uploaded[key] = contentType + ":" + string(data)
	return nil
}

func (f *fakeStore) PresignGet(_ context.Context, key string) (string, error) {
	return "https://files.example.com/" + key + "?sig=1", nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeOCR struct {
	url    string
	result *ocr.Result
	err    error
}

func (f *fakeOCR) Process(_ context.Context, url string) (*ocr.Result, error) {
	f.url = url
	return f.result, f.err
}

type fakeLedger struct {
	remaining int64
	consumed  int64
	document  string
}

func (f *fakeLedger) PagesRemaining(context.Context, string) (int64, error) {
	return f.remaining, nil
}

func (f *fakeLedger) ConsumePages(_ context.Context, _ string, pages int64, documentName string) (*balance.Consumption, error) {
	if pages > f.remaining {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientPages, "not enough pages")
	}
	f.remaining -= pages
	f.consumed += pages
	f.document = documentName
	return &balance.Consumption{Pages: pages, PagesRemaining: f.remaining}, nil
}

func twoPageResult() *ocr.Result {
	return &ocr.Result{Pages: []ocr.Page{
		{Index: 0, Markdown: "# Title", Images: []ocr.Image{{ID: "img-0.jpeg", ImageBase64: "data:image/jpeg;base64,AAA"}}},
		{Index: 1, Markdown: "Body", Images: []ocr.Image{{ID: "img-1.jpeg", ImageBase64: "data:image/jpeg;base64,BBB"}}},
	}}
}

func newTestService(t *testing.T, store *fakeStore, engine *fakeOCR, ledger *fakeLedger, maxBytes int64) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{Store: store, OCR: engine, Ledger: ledger, MaxUploadBytes: maxBytes})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestConvertChargesOnePagePerOCRPage(t *testing.T) {
	store := &fakeStore{}
	engine := &fakeOCR{result: twoPageResult()}
	ledger := &fakeLedger{remaining: 10}
	svc := newTestService(t, store, engine, ledger, 0)

	res, err := svc.Convert(context.Background(), "user-1", "report.pdf", strings.NewReader(samplePDF), int64(len(samplePDF)))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	svc.Wait()

	if res.Pages != 2 || res.PagesRemaining != 8 || ledger.consumed != 2 {
		t.Fatalf("unexpected charge: result %+v consumed %d", res, ledger.consumed)
	}
	if res.Markdown != "# Title\n\nBody" {
		t.Fatalf("unexpected markdown %q", res.Markdown)
	}
	if len(res.Images) != 2 || res.Images[1].Index != 1 || res.Images[1].Base64 != "data:image/jpeg;base64,BBB" {
		t.Fatalf("unexpected images %+v", res.Images)
	}
	if ledger.document != "report.pdf" {
		t.Fatalf("expected document name recorded, got %q", ledger.document)
	}
	if got := store.uploaded["pdf-uploads/user-1/report.pdf"]; got != "application/pdf:"+samplePDF {
		t.Fatalf("unexpected upload %q", got)
	}
	if !strings.HasPrefix(engine.url, "https://files.example.com/pdf-uploads/user-1/report.pdf") {
		t.Fatalf("ocr got unexpected url %s", engine.url)
	}
	if len(store.deleted) != 1 {
		t.Fatalf("expected upload removed, got %v", store.deleted)
	}
}

func TestConvertRejectsNonPDF(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(t, store, &fakeOCR{}, &fakeLedger{remaining: 10}, 0)

	_, err := svc.Convert(context.Background(), "user-1", "notes.pdf", strings.NewReader("hello world"), 11)
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(store.uploaded) != 0 {
		t.Fatal("nothing should be uploaded")
	}
}

func TestConvertRejectsOversizedUpload(t *testing.T) {
	svc := newTestService(t, &fakeStore{}, &fakeOCR{}, &fakeLedger{remaining: 10}, 16)
	body := samplePDF + strings.Repeat(" ", 32)

	if _, err := svc.Convert(context.Background(), "user-1", "big.pdf", strings.NewReader(body), -1); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for streamed size, got %v", err)
	}
	if _, err := svc.Convert(context.Background(), "user-1", "big.pdf", strings.NewReader(body), int64(len(body))); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for declared size, got %v", err)
	}
}

func TestConvertRequiresRemainingPages(t *testing.T) {
	store := &fakeStore{}
	engine := &fakeOCR{result: twoPageResult()}
	svc := newTestService(t, store, engine, &fakeLedger{remaining: 0}, 0)

	_, err := svc.Convert(context.Background(), "user-1", "report.pdf", strings.NewReader(samplePDF), int64(len(samplePDF)))
	if !pkgerrors.IsCode(err, pkgerrors.CodeInsufficientPages) {
		t.Fatalf("expected insufficient pages, got %v", err)
	}
	if engine.url != "" || len(store.uploaded) != 0 {
		t.Fatal("no upload or ocr should happen without pages")
	}
}

func TestConvertRemovesUploadWhenOCRFails(t *testing.T) {
	store := &fakeStore{}
	ledger := &fakeLedger{remaining: 10}
	svc := newTestService(t, store, &fakeOCR{err: pkgerrors.New(pkgerrors.CodeDependency, "ocr down")}, ledger, 0)

	_, err := svc.Convert(context.Background(), "user-1", "report.pdf", strings.NewReader(samplePDF), int64(len(samplePDF)))
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	svc.Wait()
	if ledger.consumed != 0 {
		t.Fatal("failed conversions must not be charged")
	}
	if len(store.deleted) != 1 {
		t.Fatalf("expected cleanup, got %v", store.deleted)
	}
}

func TestConvertReportsUploadFailure(t *testing.T) {
	store := &fakeStore{uploadErr: errors.New("bucket unavailable")}
	svc := newTestService(t, store, &fakeOCR{}, &fakeLedger{remaining: 10}, 0)

	_, err := svc.Convert(context.Background(), "user-1", "report.pdf", strings.NewReader(samplePDF), int64(len(samplePDF)))
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	svc.Wait()
	if len(store.deleted) != 0 {
		t.Fatal("nothing to clean up after a failed upload")
	}
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewService(ServiceParams{}); err == nil {
		t.Fatal("expected error")
	}
}
