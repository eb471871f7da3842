package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-spatial/geom"
	"github.com/osmtools/pbf-ingester/cache"
	"github.com/osmtools/pbf-ingester/common"
	"github.com/osmtools/pbf-ingester/extraction"
	"github.com/osmtools/pbf-ingester/service/geometry"
)

// fakeExtractionService fakes the start, status and download endpoints
type fakeExtractionService struct {
	srv      *httptest.Server
	requests atomic.Int64
	jobs     atomic.Int64
	polled   map[string]int
}

func newFakeExtractionService(t *testing.T) *fakeExtractionService {
	f := &fakeExtractionService{polled: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if r.Method == "GET" {
			http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "tok"})
			return
		}
		uuid := fmt.Sprintf("job-%d", f.jobs.Add(1))
		json.NewEncoder(w).Encode(map[string]string{
			"uuid": uuid,
			"url":  f.srv.URL + "/status/" + uuid,
		})
	})
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		uuid := strings.TrimPrefix(r.URL.Path, "/status/")
		f.polled[uuid]++
		status := extraction.StatusResponse{CellsTotal: 2, CellsProg: 1}
		if f.polled[uuid] > 1 {
			status = extraction.StatusResponse{Complete: true}
		}
		json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		fmt.Fprintf(w, "pbf:%s", strings.TrimPrefix(r.URL.Path, "/download/"))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// testFetcher downloads with a plain GET, counting the fetches
type testFetcher struct {
	fetches atomic.Int64
}

func (f *testFetcher) DownloadToFile(ctx context.Context, url, localFile string) error {
	f.fetches.Add(1)
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return os.WriteFile(localFile, body, 0644)
}

func newTestDownloader(t *testing.T, f *fakeExtractionService) (*Downloader, *testFetcher) {
	store, err := cache.NewStore(t.TempDir(), "osm.pbf")
	if err != nil {
		t.Fatal(err)
	}
	fetcher := &testFetcher{}
	return &Downloader{
		Cache: store,
		Client: extraction.NewClient(extraction.Config{
			StartURL:            f.srv.URL + "/start",
			DownloadURLTemplate: f.srv.URL + "/download/%s",
			Cooldown:            time.Millisecond,
		}),
		Poller:  &extraction.Poller{Interval: time.Millisecond},
		Fetcher: fetcher,
	}, fetcher
}

func square(x, y float64) geom.Polygon {
	return geom.Polygon{{{x, y}, {x + 1, y}, {x + 1, y + 1}, {x, y + 1}, {x, y}}}
}

func TestDownloadRegionsCacheIdempotence(t *testing.T) {
	service := newFakeExtractionService(t)
	d, fetcher := newTestDownloader(t, service)
	regions := []common.Region{{ID: "r1", Geometry: square(0, 0)}}

	mapping, err := d.DownloadRegions(context.Background(), regions)
	if err != nil {
		t.Fatal(err)
	}
	if len(mapping["r1"]) != 1 {
		t.Fatalf("expected 1 path, got %v", mapping)
	}
	first := mapping["r1"][0]
	if _, err := os.Stat(first); err != nil {
		t.Fatalf("artifact not on disk: %v", err)
	}
	requests, fetches := service.requests.Load(), fetcher.fetches.Load()
	if fetches != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetches)
	}

	// second run: same path, zero additional network activity
	mapping, err = d.DownloadRegions(context.Background(), regions)
	if err != nil {
		t.Fatal(err)
	}
	if mapping["r1"][0] != first {
		t.Errorf("expected the cached path %s, got %s", first, mapping["r1"][0])
	}
	if service.requests.Load() != requests || fetcher.fetches.Load() != fetches {
		t.Errorf("cache hit performed network activity")
	}
}

func TestDownloadRegionsMultiPart(t *testing.T) {
	service := newFakeExtractionService(t)
	d, _ := newTestDownloader(t, service)

	parts := []geom.Polygon{square(0, 0), square(5, 5), square(10, 10)}
	mp := geom.MultiPolygon{}
	for _, p := range parts {
		mp = append(mp, p.LinearRings())
	}
	mapping, err := d.DownloadRegions(context.Background(), []common.Region{{ID: "r1", Geometry: mp}})
	if err != nil {
		t.Fatal(err)
	}
	paths := mapping["r1"]
	if len(paths) != len(parts) {
		t.Fatalf("expected %d paths, got %v", len(parts), paths)
	}
	// one cache entry per part, in the original part order
	for i, part := range parts {
		hash, err := geometry.Hash(part)
		if err != nil {
			t.Fatal(err)
		}
		if expected := d.Cache.Path(hash); paths[i] != expected {
			t.Errorf("part %d: expected %s, got %s", i, expected, paths[i])
		}
	}
}

func TestDownloadRegionsIsolatesFailures(t *testing.T) {
	service := newFakeExtractionService(t)
	d, _ := newTestDownloader(t, service)

	regions := []common.Region{
		{ID: "bad", Geometry: geom.Point{0, 0}}, // no polygon to download
		{ID: "good", Geometry: square(0, 0)},
	}
	mapping, err := d.DownloadRegions(context.Background(), regions)
	if err == nil {
		t.Error("expected an error for the failing region")
	}
	if _, ok := mapping["bad"]; ok {
		t.Error("failing region must not appear in the mapping")
	}
	if len(mapping["good"]) != 1 {
		t.Errorf("expected the healthy region to succeed, got %v", mapping)
	}
}

// fakeExtracts implements catalog.ExtractsProvider
type fakeExtracts struct {
	extracts []common.Extract
	calls    int
}

func (f *fakeExtracts) ResolveExtracts(ctx context.Context, aoi geom.Geometry) ([]common.Extract, error) {
	f.calls++
	return f.extracts, nil
}

func (f *fakeExtracts) Name() string { return "fake" }

func TestDownloadRegionsCatalogMode(t *testing.T) {
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "extract:%s", r.URL.Path)
	}))
	defer files.Close()

	service := newFakeExtractionService(t)
	d, fetcher := newTestDownloader(t, service)
	extracts := &fakeExtracts{extracts: []common.Extract{
		{ID: "europe", URL: files.URL + "/europe.osm.pbf"},
		{ID: "asia", URL: files.URL + "/asia.osm.pbf"},
	}}
	d.Extracts = extracts

	regions := []common.Region{
		{ID: "r1", Geometry: square(0, 0)},
		{ID: "r2", Geometry: square(5, 5)},
	}
	mapping, err := d.DownloadRegions(context.Background(), regions)
	if err != nil {
		t.Fatal(err)
	}
	// catalog mode collapses regions into extract-id keys
	if len(mapping) != 2 || len(mapping["europe"]) != 1 || len(mapping["asia"]) != 1 {
		t.Fatalf("unexpected mapping %v", mapping)
	}
	if fetcher.fetches.Load() != 2 {
		t.Errorf("expected 2 fetches, got %d", fetcher.fetches.Load())
	}
	// no extraction job was submitted
	if service.requests.Load() != 0 {
		t.Errorf("catalog mode hit the extraction service")
	}

	// every extract is already cached on the second run
	if _, err := d.DownloadRegions(context.Background(), regions); err != nil {
		t.Fatal(err)
	}
	if fetcher.fetches.Load() != 2 {
		t.Errorf("expected no additional fetch, got %d", fetcher.fetches.Load())
	}
}
