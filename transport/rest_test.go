package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goliatone/go-entitlements/core"
	goerrors "github.com/goliatone/go-errors"
)

func TestRESTClientSendsHeadersAndQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("expected bearer header, got %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("expected default accept header, got %q", got)
		}
		if got := r.URL.Query().Get("revision"); got != "7" {
			t.Errorf("expected revision query, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"ping":true}` {
			t.Errorf("unexpected body %q", string(body))
		}
		w.Header().Set("X-Request-Id", "req-1")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewRESTClient(server.Client())
	res, err := client.Do(context.Background(), Request{
		Method:  "post",
		URL:     server.URL + "/inApps/v1/ping",
		Query:   map[string]string{"revision": "7"},
		Headers: map[string]string{"Authorization": "Bearer token-1"},
		Body:    []byte(`{"ping":true}`),
	})
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	if !res.Success() || res.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", res.StatusCode)
	}
	if res.Headers["X-Request-Id"] != "req-1" {
		t.Fatalf("expected response header, got %+v", res.Headers)
	}
	if string(res.Body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", string(res.Body))
	}
}

func TestRESTClientReturnsNonSuccessStatusWithoutError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	res, err := NewRESTClient(server.Client()).Do(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("expected no error for 404, got %v", err)
	}
	if res.Success() || res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %d", res.StatusCode)
	}
}

func TestRESTClientResponseLimitReturnsRichError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	client := NewRESTClient(server.Client())
	client.MaxResponseBodyBytes = 4

	_, err := client.Do(context.Background(), Request{URL: server.URL})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryExternal {
		t.Fatalf("expected external category, got %q", rich.Category)
	}
	if rich.TextCode != core.ErrorUpstreamUnavailable {
		t.Fatalf("expected %q text code, got %q", core.ErrorUpstreamUnavailable, rich.TextCode)
	}
	if rich.Code != http.StatusBadGateway {
		t.Fatalf("expected %d code, got %d", http.StatusBadGateway, rich.Code)
	}
}

type failingDoer struct{}

func (failingDoer) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestRESTClientWrapsNetworkFailure(t *testing.T) {
	_, err := NewRESTClient(failingDoer{}).Do(context.Background(), Request{URL: "https://example.invalid/x"})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryExternal {
		t.Fatalf("expected external category, got %q", rich.Category)
	}
	if !strings.Contains(err.Error(), "execute http request") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestRESTClientRejectsMissingURLAndNilClient(t *testing.T) {
	_, err := NewRESTClient(failingDoer{}).Do(context.Background(), Request{})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryBadInput {
		t.Fatalf("expected bad input error, got %v", err)
	}

	var client *RESTClient
	_, err = client.Do(context.Background(), Request{URL: "https://example.invalid"})
	if !goerrors.As(err, &rich) || rich.TextCode != core.ErrorInternal {
		t.Fatalf("expected internal error for nil client, got %v", err)
	}
}
