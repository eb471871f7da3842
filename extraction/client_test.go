package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-spatial/geom"
	"github.com/osmtools/pbf-ingester/service"
)

// fakeService scripts the extraction start endpoint: the first rateLimited
// submissions are answered with a rate-limit indication
type fakeService struct {
	rateLimited int
	submissions int
	lastName    string
	lastToken   string
	lastCookie  string
}

func (f *fakeService) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: fmt.Sprintf("tok-%d", f.submissions)})
			return
		}
		f.submissions++
		f.lastToken = r.Header.Get("X-CSRFToken")
		if c, err := r.Cookie("csrftoken"); err == nil {
			f.lastCookie = c.Value
		}
		payload := struct {
			Region struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			} `json:"region"`
			Name string `json:"name"`
		}{}
		json.NewDecoder(r.Body).Decode(&payload)
		f.lastName = payload.Name

		if f.submissions <= f.rateLimited {
			json.NewEncoder(w).Encode(map[string]interface{}{"errors": []string{"rate limited"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"uuid": "job-1", "url": "http://status"})
	}
}

func testBoundary() geom.Geometry {
	return geom.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}
}

func newTestClient(url string) *Client {
	return NewClient(Config{
		StartURL:            url,
		DownloadURLTemplate: url + "/%s/download",
		Cooldown:            time.Millisecond,
		MaxAttempts:         5,
	})
}

func TestSubmit(t *testing.T) {
	fake := &fakeService{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(srv.URL)
	sess, job, err := client.Submit(context.Background(), testBoundary(), "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil {
		t.Error("expected a session")
	}
	if job.UUID != "job-1" || job.StatusURL != "http://status" {
		t.Errorf("unexpected job: %+v", job)
	}
	if fake.lastName != "deadbeef" {
		t.Errorf("expected the geometry hash as job name, got %q", fake.lastName)
	}
	if fake.lastToken == "" || fake.lastToken != fake.lastCookie {
		t.Errorf("expected the token as both header (%q) and cookie (%q)", fake.lastToken, fake.lastCookie)
	}
	if url := client.DownloadURL(job); url != srv.URL+"/job-1/download" {
		t.Errorf("unexpected download url %s", url)
	}
}

func TestSubmitRateLimitRecovery(t *testing.T) {
	fake := &fakeService{rateLimited: 2}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, job, err := client.Submit(context.Background(), testBoundary(), "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	// two rate-limited submissions, then the successful one
	if fake.submissions != 3 {
		t.Errorf("expected 3 submissions, got %d", fake.submissions)
	}
	if job.UUID != "job-1" {
		t.Errorf("unexpected job: %+v", job)
	}
	// each attempt negotiated a fresh session token
	if fake.lastToken != "tok-2" {
		t.Errorf("expected a fresh token per attempt, got %q", fake.lastToken)
	}
}

func TestSubmitExhausted(t *testing.T) {
	fake := &fakeService{rateLimited: 100}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, _, err := client.Submit(context.Background(), testBoundary(), "deadbeef")
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected an ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 5 || !errors.Is(exhausted, ErrRateLimited) {
		t.Errorf("unexpected exhaustion: %v", exhausted)
	}
	if fake.submissions != 5 {
		t.Errorf("expected 5 submissions, got %d", fake.submissions)
	}
}

func TestSubmitHTTP429(t *testing.T) {
	submissions := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "tok"})
			return
		}
		submissions++
		if submissions == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"uuid": "job-2", "url": "http://status"})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, job, err := client.Submit(context.Background(), testBoundary(), "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if submissions != 2 || job.UUID != "job-2" {
		t.Errorf("expected recovery from 429, got %d submissions, job %+v", submissions, job)
	}
}

func TestSubmitMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "tok"})
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, _, err := client.Submit(context.Background(), testBoundary(), "deadbeef")
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected a MalformedResponseError, got %v", err)
	}
}

func TestSubmitFatalStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "tok"})
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, _, err := client.Submit(context.Background(), testBoundary(), "deadbeef")
	if err == nil {
		t.Fatal("expected an error on a non-2xx response")
	}
	if !service.Fatal(err) {
		t.Errorf("expected a fatal error, got %v", err)
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		t.Errorf("a fatal status must not be retried: %v", err)
	}
}
