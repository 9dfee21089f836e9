package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Config{BaseURL: baseURL, APIKey: "test-key", RPS: 1000, Burst: 10})
}

func TestFetch_SendsQueryParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("api_key") != "test-key" {
			t.Errorf("api_key = %q", q.Get("api_key"))
		}
		if q.Get("url") != "https://shop.example.com/checkout" {
			t.Errorf("url = %q", q.Get("url"))
		}
		if q.Get("render_js") != "true" {
			t.Errorf("render_js = %q", q.Get("render_js"))
		}
		if q.Get("wait") != "3000" {
			t.Errorf("wait = %q", q.Get("wait"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>Frakt: PostNord</body></html>")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	page, err := c.Fetch(context.Background(), "https://shop.example.com/checkout", FetchOptions{Wait: 3 * time.Second})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", page.StatusCode)
	}
	if page.IsPDF() {
		t.Error("html page reported as pdf")
	}
	if string(page.Body) != "<html><body>Frakt: PostNord</body></html>" {
		t.Errorf("Body = %q", page.Body)
	}
}

func TestFetch_NoJSOmitsWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("render_js") != "false" {
			t.Errorf("render_js = %q, want false", r.URL.Query().Get("render_js"))
		}
		if r.URL.Query().Has("wait") {
			t.Error("wait must not be sent without rendering")
		}
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Fetch(context.Background(), "https://shop.example.com/", FetchOptions{Wait: time.Second, NoJS: true}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
}

func TestFetch_RetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	page, err := newTestClient(srv.URL).Fetch(context.Background(), "https://shop.example.com/", FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(page.Body) != "ok" {
		t.Errorf("Body = %q", page.Body)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestFetch_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fetch(context.Background(), "https://shop.example.com/", FetchOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != maxRetries {
		t.Errorf("calls = %d, want %d", calls.Load(), maxRetries)
	}
}

func TestFetch_TargetStatusHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Spb-Initial-Status-Code", "404")
		fmt.Fprint(w, "not found page")
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fetch(context.Background(), "https://shop.example.com/kassa", FetchOptions{})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 404 {
		t.Fatalf("err = %v, want StatusError 404", err)
	}
}

func TestFetch_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fetch(context.Background(), "https://shop.example.com/", FetchOptions{})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want StatusError 401", err)
	}
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fetch(context.Background(), "https://shop.example.com/", FetchOptions{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestFetch_NotConfigured(t *testing.T) {
	c := NewClient(Config{})
	if _, err := c.Fetch(context.Background(), "https://shop.example.com/", FetchOptions{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestFetch_InvalidURL(t *testing.T) {
	c := newTestClient("http://unused")
	if _, err := c.Fetch(context.Background(), "not a url", FetchOptions{}); err == nil {
		t.Error("expected error for invalid url")
	}
}

func TestPage_IsPDF(t *testing.T) {
	if !(Page{ContentType: "application/pdf"}).IsPDF() {
		t.Error("content type not recognized")
	}
	if !(Page{Body: []byte("%PDF-1.7 ...")}).IsPDF() {
		t.Error("magic bytes not recognized")
	}
	if (Page{ContentType: "text/html", Body: []byte("<html>")}).IsPDF() {
		t.Error("html reported as pdf")
	}
}
