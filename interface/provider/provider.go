package provider

import (
	"context"
)

// Fetcher is the interface of a low-level artifact transfer service
type Fetcher interface {
	// DownloadToFile fetches url and writes the body verbatim to localFile
	DownloadToFile(ctx context.Context, url, localFile string) error
}
