package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vouch-labs/vouch-go/internal/domain"
)

const signedXML = `<testsuite><testcase name="t"/></testsuite>`

func testHash() domain.ContentHash {
	return domain.NewContentHash([]byte(signedXML))
}

func TestSubmitSuccess(t *testing.T) {
	var gotAuth, gotDigest, gotType, gotRequestID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDigest = r.Header.Get("X-Content-Digest")
		gotType = r.Header.Get("Content-Type")
		gotRequestID = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"run-1"}`))
	}))
	defer server.Close()

	client, err := New(server.URL, "secret-token")
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	resp, err := client.Submit(context.Background(), testHash(), []byte(signedXML))
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if resp.ID != "run-1" {
		t.Fatalf("resp.ID=%q", resp.ID)
	}
	if resp.Duplicate {
		t.Fatal("fresh submission marked duplicate")
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("Authorization=%q", gotAuth)
	}
	if gotDigest != testHash().String() {
		t.Fatalf("X-Content-Digest=%q", gotDigest)
	}
	if gotType != "application/xml" {
		t.Fatalf("Content-Type=%q", gotType)
	}
	if gotRequestID == "" {
		t.Fatal("X-Request-ID not set")
	}
}

func TestSubmitConflictIsDuplicateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	client, err := New(server.URL, "")
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	resp, err := client.Submit(context.Background(), testHash(), []byte(signedXML))
	if err != nil {
		t.Fatalf("Submit() err=%v want duplicate success", err)
	}
	if !resp.Duplicate {
		t.Fatal("conflict response not marked duplicate")
	}
}

func TestSubmitClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		transient  bool
		wantDelay  time.Duration
	}{
		{name: "bad request", status: http.StatusBadRequest, transient: false},
		{name: "unauthorized", status: http.StatusUnauthorized, transient: false},
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "7", transient: true, wantDelay: 7 * time.Second},
		{name: "rate limited no header", status: http.StatusTooManyRequests, transient: true},
		{name: "server error", status: http.StatusInternalServerError, transient: true},
		{name: "bad gateway", status: http.StatusBadGateway, transient: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			client, err := New(server.URL, "token")
			if err != nil {
				t.Fatalf("New() err=%v", err)
			}
			_, err = client.Submit(context.Background(), testHash(), []byte(signedXML))
			if err == nil {
				t.Fatalf("Submit() expected error for %d", tt.status)
			}
			var submitErr *SubmitError
			if !errors.As(err, &submitErr) {
				t.Fatalf("Submit() err=%T want *SubmitError", err)
			}
			if submitErr.StatusCode != tt.status {
				t.Fatalf("StatusCode=%d want %d", submitErr.StatusCode, tt.status)
			}
			if submitErr.Transient() != tt.transient {
				t.Fatalf("Transient()=%v want %v", submitErr.Transient(), tt.transient)
			}
			if submitErr.RetryAfter() != tt.wantDelay {
				t.Fatalf("RetryAfter()=%v want %v", submitErr.RetryAfter(), tt.wantDelay)
			}
		})
	}
}

func TestSubmitConnectionErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	client, err := New(server.URL, "token")
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	_, err = client.Submit(context.Background(), testHash(), []byte(signedXML))
	var submitErr *SubmitError
	if !errors.As(err, &submitErr) {
		t.Fatalf("Submit() err=%T want *SubmitError", err)
	}
	if !submitErr.Transient() {
		t.Fatal("connection error must be transient")
	}
}

func TestSubmitTimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer func() {
		close(block)
		server.Close()
	}()

	client, err := New(server.URL, "token", WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	_, err = client.Submit(context.Background(), testHash(), []byte(signedXML))
	var submitErr *SubmitError
	if !errors.As(err, &submitErr) {
		t.Fatalf("Submit() err=%T want *SubmitError", err)
	}
	if !submitErr.Transient() {
		t.Fatal("timeout must be transient")
	}
}

func TestNewRejectsEmptyURL(t *testing.T) {
	if _, err := New("  ", "token"); err == nil {
		t.Fatal("New() expected error for empty base url")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("12"); got != 12*time.Second {
		t.Fatalf("parseRetryAfter(12)=%v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("parseRetryAfter(empty)=%v", got)
	}
	if got := parseRetryAfter("not-a-delay"); got != 0 {
		t.Fatalf("parseRetryAfter(garbage)=%v", got)
	}
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > 31*time.Second {
		t.Fatalf("parseRetryAfter(http date)=%v", got)
	}
}
