package service

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"time"
)

// GetBodyRetry: simple GET with N retries in case of temporary errors
func GetBodyRetry(url string, nbRetries int) ([]byte, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	return GetBodyRetryReq(req, nbRetries)
}

// GetBodyRetryReq: simple GET with N retries in case of temporary errors.
// Transport errors that are not temporary and 4xx statuses abort immediately.
func GetBodyRetryReq(req *http.Request, nbRetries int) ([]byte, error) {
	var body []byte
	client := &http.Client{}
	err := Retriable(req.Context(), func() error {
		resp, err := client.Do(req)
		if err != nil {
			var e *neturl.Error
			if !errors.As(err, &e) || !e.Temporary() {
				return MakeFatal(err)
			}
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != 200 {
			b, _ := io.ReadAll(resp.Body)
			err := fmt.Errorf("%s: %v", resp.Status, b)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return MakeFatal(err)
			}
			return err
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}, time.Second, nbRetries+1)
	return body, err
}
