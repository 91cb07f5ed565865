package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrUpstream = errors.New("upstream render failed")

// maxResponseBytes bounds one rendered image.
const maxResponseBytes = 64 << 20

// Result is a rendered map.
type Result struct {
	Data        []byte
	ContentType string
}

// Renderer produces map images. It stands for the rendering pipeline the cache
// sits in front of.
type Renderer interface {
	Render(ctx context.Context, req MapRequest) (*Result, error)
}

// WMSRenderer renders by issuing GetMap requests to an upstream WMS.
type WMSRenderer struct {
	endpoint *url.URL
	client   *http.Client
	logger   *zap.Logger
}

var _ Renderer = &WMSRenderer{}

func NewWMSRenderer(endpoint string, timeout time.Duration, logger *zap.Logger) (*WMSRenderer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme must be http or https", endpoint)
	}
	return &WMSRenderer{
		endpoint: u,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("render"),
	}, nil
}

func (r *WMSRenderer) Render(ctx context.Context, req MapRequest) (*Result, error) {
	u := *r.endpoint
	q := u.Query()
	for k, v := range req.Query() {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstream, err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrUpstream, maxResponseBytes)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	// WMS reports errors as service exception documents with a 200 status.
	contentType := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("%w: unexpected content type %q: %s", ErrUpstream, contentType, snippet(body))
	}

	r.logger.Debug("Rendered map",
		zap.String("layer", req.Layer),
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", time.Since(start)),
	)
	return &Result{Data: body, ContentType: mediaType}, nil
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		b = b[:n]
	}
	return strings.TrimSpace(string(b))
}
