// Package downloader orchestrates extract downloads for a collection of
// regions: either per polygon through the extraction service, or through a
// catalog of pre-built extracts.
package downloader

import (
	"context"
	"fmt"
	"os"

	"github.com/go-spatial/geom"
	"github.com/osmtools/pbf-ingester/cache"
	"github.com/osmtools/pbf-ingester/common"
	"github.com/osmtools/pbf-ingester/extraction"
	"github.com/osmtools/pbf-ingester/interface/catalog"
	"github.com/osmtools/pbf-ingester/interface/provider"
	"github.com/osmtools/pbf-ingester/service"
	"github.com/osmtools/pbf-ingester/service/geometry"
	"github.com/osmtools/pbf-ingester/service/log"
)

// Downloader turns region geometries into locally cached extract files
type Downloader struct {
	Cache   *cache.Store
	Client  *extraction.Client
	Poller  *extraction.Poller
	Fetcher provider.Fetcher
	Prepare geometry.PrepareOptions

	// Extracts, if set, selects catalog mode: regions are unioned and served
	// from pre-built extracts instead of extraction jobs
	Extracts catalog.ExtractsProvider
}

// DownloadRegions processes every region and returns the region→paths
// mapping. A failing polygon aborts only its own region: results of the
// other regions are returned alongside the merged error.
// In catalog mode the keys are extract ids instead of region ids.
func (d *Downloader) DownloadRegions(ctx context.Context, regions []common.Region) (common.RegionPaths, error) {
	if d.Extracts != nil {
		return d.downloadFromExtracts(ctx, regions)
	}

	mapping := common.RegionPaths{}
	var err error
	for _, region := range regions {
		rctx := log.With(ctx, "region", region.ID)
		paths, e := d.downloadRegion(rctx, region)
		if e != nil {
			log.Logger(rctx).Sugar().Warnf("region failed: %v", e)
			err = service.MergeErrors(true, err, fmt.Errorf("DownloadRegions[%s].%w", region.ID, e))
			continue
		}
		mapping[region.ID] = paths
	}
	return mapping, err
}

// downloadRegion flattens the region geometry and downloads one extract per
// polygon part, preserving the part order
func (d *Downloader) downloadRegion(ctx context.Context, region common.Region) ([]string, error) {
	polygons := geometry.Flatten(region.Geometry)
	if len(polygons) == 0 {
		return nil, fmt.Errorf("no polygon in geometry")
	}
	paths := make([]string, 0, len(polygons))
	for i, polygon := range polygons {
		path, err := d.downloadPolygon(log.With(ctx, "polygon", i+1), polygon)
		if err != nil {
			return nil, fmt.Errorf("polygon %d/%d: %w", i+1, len(polygons), err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// downloadPolygon runs the prepare → submit → poll → fetch pipeline for a
// single polygon, short-circuited by the cache. The cache key is the hash of
// the original polygon, never of the prepared boundary.
func (d *Downloader) downloadPolygon(ctx context.Context, polygon geom.Polygon) (string, error) {
	hash, err := geometry.Hash(polygon)
	if err != nil {
		return "", fmt.Errorf("downloadPolygon.%w", err)
	}
	if path, ok := d.Cache.Lookup(hash); ok {
		log.Logger(ctx).Sugar().Debugf("cache hit %s", path)
		return path, nil
	}

	boundary, err := geometry.Prepare(ctx, polygon, d.Prepare)
	if err != nil {
		return "", fmt.Errorf("downloadPolygon.%w", err)
	}

	sess, job, err := d.Client.Submit(ctx, boundary, hash)
	if err != nil {
		return "", fmt.Errorf("downloadPolygon.%w", err)
	}
	log.Logger(ctx).Sugar().Infof("extraction job %s started", job.UUID)

	if err := d.Poller.PollToCompletion(ctx, sess, job); err != nil {
		return "", fmt.Errorf("downloadPolygon.%w", err)
	}

	path, err := d.fetch(ctx, d.Client.DownloadURL(job), hash)
	if err != nil {
		return "", fmt.Errorf("downloadPolygon.%w", err)
	}
	return path, nil
}

// downloadFromExtracts unions all region geometries, resolves the covering
// set of pre-built extracts and fetches each exactly once. The mapping is
// keyed by extract id.
func (d *Downloader) downloadFromExtracts(ctx context.Context, regions []common.Region) (common.RegionPaths, error) {
	geometries := make([]geom.Geometry, 0, len(regions))
	for _, region := range regions {
		geometries = append(geometries, region.Geometry)
	}
	aoi, err := geometry.UnionAOI(geometries)
	if err != nil {
		return nil, fmt.Errorf("DownloadFromExtracts.%w", err)
	}

	extracts, err := d.Extracts.ResolveExtracts(ctx, aoi)
	if err != nil {
		return nil, fmt.Errorf("DownloadFromExtracts[%s].%w", d.Extracts.Name(), err)
	}

	mapping := common.RegionPaths{}
	for _, extract := range extracts {
		ectx := log.With(ctx, "extract", extract.ID)
		path, ok := d.Cache.Lookup(extract.ID)
		if !ok {
			if path, err = d.fetch(ectx, extract.URL, extract.ID); err != nil {
				return mapping, fmt.Errorf("DownloadFromExtracts[%s].%w", extract.ID, err)
			}
		}
		mapping[extract.ID] = []string{path}
	}
	return mapping, nil
}

// fetch downloads the artifact to a staging file and commits it to the cache
func (d *Downloader) fetch(ctx context.Context, url, key string) (string, error) {
	staging := d.Cache.StagingPath(key)
	if err := d.Fetcher.DownloadToFile(ctx, url, staging); err != nil {
		os.Remove(staging)
		return "", fmt.Errorf("fetch.%w", err)
	}
	path, err := d.Cache.Commit(staging, key)
	if err != nil {
		os.Remove(staging)
		return "", fmt.Errorf("fetch.%w", err)
	}
	log.Logger(ctx).Sugar().Infof("downloaded %s", path)
	return path, nil
}
