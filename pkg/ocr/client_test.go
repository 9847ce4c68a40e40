package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
)

func newTestClient(t *testing.T, srv *httptest.Server, timeout time.Duration) *Client {
	t.Helper()
	client, err := NewClient(config.OCRConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		Timeout:    timeout,
		MaxRetries: 2,
	}, WithBackoffBase(time.Millisecond))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestProcessSendsDocumentURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ocr" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body processRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Model != defaultModel || body.Document.Type != "document_url" || body.Document.DocumentURL != "https://files.example.com/a.pdf" {
			t.Errorf("unexpected body %+v", body)
		}
		if !body.IncludeImageBase64 {
			t.Error("expected images requested")
		}
		_, _ = w.Write([]byte(`{"model":"mistral-ocr-latest","pages":[{"index":0,"markdown":"# One","images":[{"id":"img-0.jpeg","image_base64":"abc"}]},{"index":1,"markdown":"Two","images":[]}]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv, time.Second).Process(context.Background(), "https://files.example.com/a.pdf")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Pages) != 2 || res.Pages[0].Markdown != "# One" || res.Pages[0].Images[0].ImageBase64 != "abc" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestProcessRetriesTimeouts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		_, _ = w.Write([]byte(`{"pages":[{"index":0,"markdown":"ok"}]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv, time.Second).Process(context.Background(), "https://files.example.com/a.pdf")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if len(res.Pages) != 1 {
		t.Fatalf("unexpected pages %+v", res.Pages)
	}
}

func TestProcessGivesUpAfterThreeTimeouts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(200 * time.Millisecond):
		}
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 20*time.Millisecond).Process(context.Background(), "https://files.example.com/a.pdf")
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestProcessDoesNotRetryOtherFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"bad document"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, time.Second).Process(context.Background(), "https://files.example.com/a.pdf")
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(config.OCRConfig{}); err == nil {
		t.Fatal("expected api key error")
	}
}
