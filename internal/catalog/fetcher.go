package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Fetcher returns raw "ip:port" candidate strings from a remote source.
// skipped counts list elements that were not strings.
type Fetcher interface {
	Fetch(ctx context.Context) (entries []string, skipped int, err error)
}

// HTTPFetcher reads a JSON document and returns the string list under Field
type HTTPFetcher struct {
	URL       string
	Field     string
	UserAgent string
	client    *http.Client
}

func NewHTTPFetcher(url, field, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{
		URL:       url,
		Field:     field,
		UserAgent: userAgent,
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        2,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) ([]string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	// Limit body read to 10MB
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, 0, fmt.Errorf("parse JSON: %w", err)
	}

	raw, ok := doc[f.Field]
	if !ok {
		return []string{}, 0, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, 0, fmt.Errorf("parse field %q: %w", f.Field, err)
	}

	// One bad element must not discard the rest of the list.
	entries := make([]string, 0, len(elems))
	skipped := 0
	for i, elem := range elems {
		var entry *string
		if err := json.Unmarshal(elem, &entry); err != nil || entry == nil {
			log.Warnf("Skipping non-string entry %d in %q: %s", i, f.Field, elem)
			skipped++
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, skipped, nil
}
