package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/lysyi3m/rss-reader/app/apperr"
)

// Retriever fetches the raw feed document at url. Implementations send the
// stored validators and report NotModified when the server says nothing
// changed. Blocking work must honour ctx.
type Retriever interface {
	Retrieve(ctx context.Context, url string, validators Validators) (*Retrieved, error)
}

const defaultMaxBodySize = 16 << 20

type HTTPRetriever struct {
	httpClient  *http.Client
	userAgent   string
	maxBodySize int64
}

func NewHTTPRetriever(httpClient *http.Client, userAgent string) *HTTPRetriever {
	return &HTTPRetriever{
		httpClient:  httpClient,
		userAgent:   userAgent,
		maxBodySize: defaultMaxBodySize,
	}
}

func (r *HTTPRetriever) Retrieve(ctx context.Context, url string, validators Validators) (*Retrieved, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.New(apperr.KindRetrieval, url, "failed to create request", err)
	}

	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")
	if validators.ETag != "" {
		req.Header.Set("If-None-Match", validators.ETag)
	}
	if validators.LastModified != "" {
		req.Header.Set("If-Modified-Since", validators.LastModified)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.New(apperr.KindRetrieval, url, "failed to fetch feed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Retrieved{NotModified: true, Validators: validators}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindRetrieval, url, "failed to fetch feed",
			fmt.Errorf("HTTP error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBodySize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.New(apperr.KindRetrieval, url, "failed to read response body", err)
	}
	if int64(len(data)) > r.maxBodySize {
		return nil, apperr.New(apperr.KindRetrieval, url,
			fmt.Sprintf("feed too large: more than %d bytes", r.maxBodySize), nil)
	}

	return &Retrieved{
		Body:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Validators: Validators{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			CacheToken:   resp.Header.Get("Cache-Control"),
		},
	}, nil
}
