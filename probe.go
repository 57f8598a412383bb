package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/Financial-Times/go-logger"
)

type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type healthEndpoint struct {
	url     string
	timeout time.Duration
}

// probeHealthEndpoint issues one GET against a downstream health endpoint.
// Any 2xx answered within the endpoint timeout is a success.
func probeHealthEndpoint(ctx context.Context, client httpClient, endpoint healthEndpoint) error {
	timeout := endpoint.timeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.url, nil)
	if err != nil {
		return errors.New("Error constructing health probe request: " + err.Error())
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.New("Error performing health probe request: " + err.Error())
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Errorf("Cannot close response body reader.")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned non-2xx status (%v)", resp.StatusCode)
	}
	return nil
}
