package connectivity

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// HTTPProber issues a HEAD request to the primary endpoint and, only if that
// fails, to one alternate. Only a 200 OK, after redirects, counts as reachable.
type HTTPProber struct {
	Primary   string
	Alternate string
	Timeout   time.Duration // per request; default 1.5s
	Client    *http.Client
}

func NewHTTPProber(primary, alternate string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{Primary: primary, Alternate: alternate, Timeout: timeout}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	for _, u := range []string{p.Primary, p.Alternate} {
		if strings.TrimSpace(u) == "" {
			continue
		}
		if ctx.Err() != nil {
			return false
		}
		if p.head(ctx, u) {
			return true
		}
	}
	return false
}

func (p *HTTPProber) head(ctx context.Context, url string) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
