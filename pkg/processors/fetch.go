package processors

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// HTTPFetcher retrieves object bytes by (presigned) URL.
type HTTPFetcher struct {
	http *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{http: &http.Client{Timeout: 60 * time.Second}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build fetch request")
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch object")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch object: %s -> %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	return data, errors.Wrap(err, "read object body")
}
