package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/osmtools/pbf-ingester/cache"
	"github.com/osmtools/pbf-ingester/common"
	"github.com/osmtools/pbf-ingester/downloader"
	"github.com/osmtools/pbf-ingester/extraction"
	"github.com/osmtools/pbf-ingester/interface/catalog/geofabrik"
	"github.com/osmtools/pbf-ingester/interface/provider"
	"github.com/osmtools/pbf-ingester/service"
	"github.com/osmtools/pbf-ingester/service/geometry"
	"github.com/osmtools/pbf-ingester/service/log"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type config struct {
	Regions   string
	CacheDir  string
	Extension string
	Source    string
	IndexURL  string

	StartURL       string
	DownloadURL    string
	UserAgent      string
	Cooldown       time.Duration
	MaxAttempts    int
	PollInterval   time.Duration
	SubmitInterval time.Duration

	Tuning  string
	WorkDir string
	Debug   bool
}

func newAppConfig() (*config, error) {
	config := config{}
	flag.StringVar(&config.Regions, "regions", "", "GeoJSON FeatureCollection of the regions to download (feature property 'id' is the region id)")
	flag.StringVar(&config.CacheDir, "cache-dir", "files", "directory where downloaded extracts are cached")
	flag.StringVar(&config.Extension, "extension", "osm.pbf", "extension of the cached artifact files")
	flag.StringVar(&config.Source, "source", "extraction", "extract source: 'extraction' (submit jobs to the extraction service) or 'geofabrik' (pre-built extract catalog)")
	flag.StringVar(&config.IndexURL, "index-url", geofabrik.DefaultIndexURL, "extract index url (geofabrik source only)")

	flag.StringVar(&config.StartURL, "start-url", extraction.DefaultStartURL, "extraction start endpoint")
	flag.StringVar(&config.DownloadURL, "download-url", extraction.DefaultDownloadURLTemplate, "artifact download endpoint, templated with the job uuid")
	flag.StringVar(&config.UserAgent, "user-agent", "", "user agent sent to the extraction service (optional)")
	flag.DurationVar(&config.Cooldown, "cooldown", time.Minute, "base wait after a rate-limited submission")
	flag.IntVar(&config.MaxAttempts, "max-attempts", 10, "maximum number of submission attempts")
	flag.DurationVar(&config.PollInterval, "poll-interval", 500*time.Millisecond, "interval between two job status polls")
	flag.DurationVar(&config.SubmitInterval, "submit-interval", 0, "minimum delay between two submissions (optional)")

	flag.StringVar(&config.Tuning, "tuning", "", "YAML file tuning the boundary preparation (tolerances, buffer_step_meters, max_attempts) (optional)")
	flag.StringVar(&config.WorkDir, "workdir", "", "directory to write the region mapping as regions.json (optional)")
	flag.BoolVar(&config.Debug, "debug", false, "enable debug logging")
	flag.Parse()

	if config.Regions == "" {
		return nil, fmt.Errorf("missing regions config flag")
	}
	if config.Source != "extraction" && config.Source != "geofabrik" {
		return nil, fmt.Errorf("unknown source %q", config.Source)
	}
	return &config, nil
}

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	config, err := newAppConfig()
	if err != nil {
		return err
	}
	if config.Debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		log.Set(logger)
	}

	regions, err := loadRegions(config.Regions)
	if err != nil {
		return fmt.Errorf("regions %s: %w", config.Regions, err)
	}

	prepare := geometry.PrepareOptions{}
	if config.Tuning != "" {
		tuning, err := os.ReadFile(config.Tuning)
		if err != nil {
			return fmt.Errorf("tuning %s: %w", config.Tuning, err)
		}
		if err := yaml.Unmarshal(tuning, &prepare); err != nil {
			return fmt.Errorf("tuning %s: %w", config.Tuning, err)
		}
	}

	store, err := cache.NewStore(config.CacheDir, config.Extension)
	if err != nil {
		return fmt.Errorf("cache %s: %w", config.CacheDir, err)
	}

	d := &downloader.Downloader{
		Cache: store,
		Client: extraction.NewClient(extraction.Config{
			StartURL:            config.StartURL,
			DownloadURLTemplate: config.DownloadURL,
			UserAgent:           config.UserAgent,
			Cooldown:            config.Cooldown,
			MaxAttempts:         config.MaxAttempts,
			SubmitInterval:      config.SubmitInterval,
		}),
		Poller:  &extraction.Poller{Interval: config.PollInterval},
		Fetcher: provider.NewHTTPFetcher(),
		Prepare: prepare,
	}
	if config.Source == "geofabrik" {
		d.Extracts = geofabrik.NewProvider(config.IndexURL)
	}

	log.Logger(ctx).Sugar().Infof("downloading extracts for %d regions to %s", len(regions), config.CacheDir)
	mapping, err := d.DownloadRegions(ctx, regions)
	if err != nil {
		return err
	}

	if err := service.ToJSON(mapping, config.WorkDir, "regions.json"); err != nil {
		return err
	}
	out, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// loadRegions reads a GeoJSON FeatureCollection, one region per feature
func loadRegions(path string) ([]common.Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loadRegions.ReadFile: %w", err)
	}
	collection := struct {
		Features []struct {
			ID         string                 `json:"id"`
			Properties map[string]interface{} `json:"properties"`
			Geometry   json.RawMessage        `json:"geometry"`
		} `json:"features"`
	}{}
	if err := json.Unmarshal(data, &collection); err != nil {
		return nil, fmt.Errorf("loadRegions.Unmarshal: %w", err)
	}
	if len(collection.Features) == 0 {
		return nil, fmt.Errorf("loadRegions: no feature in %s", path)
	}

	regions := make([]common.Region, 0, len(collection.Features))
	for i, f := range collection.Features {
		id := f.ID
		if pid, ok := f.Properties["id"].(string); ok && pid != "" {
			id = pid
		}
		if id == "" {
			id = fmt.Sprintf("region-%d", i+1)
		}
		geometry, err := service.UnmarshalGeometry(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("loadRegions[%s].%w", id, err)
		}
		regions = append(regions, common.Region{ID: id, Geometry: geometry})
	}
	return regions, nil
}
