package catalog

import (
	"context"

	"github.com/go-spatial/geom"
	"github.com/osmtools/pbf-ingester/common"
)

// ExtractsProvider is the interface of an extract catalog service.
// The union of the returned extracts' coverage contains the input geometry.
type ExtractsProvider interface {
	ResolveExtracts(ctx context.Context, aoi geom.Geometry) ([]common.Extract, error)

	// Name of the provider
	Name() string
}
