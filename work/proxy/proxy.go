package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"tvwall-proxy/work/client"
	"tvwall-proxy/work/config"
	"tvwall-proxy/work/logger"
	"tvwall-proxy/work/metrics"
	"tvwall-proxy/work/rewriter"
	"tvwall-proxy/work/utils"
)

// maxManifestBytes caps how much manifest text is buffered for rewriting.
// Segments are streamed and never buffered.
const maxManifestBytes = 4 * 1024 * 1024

// Proxy relays HLS traffic between players and origin servers. Manifests
// are fetched, buffered, and rewritten so every URI inside points back at
// this proxy; segments are streamed through untouched with range support.
type Proxy struct {
	cfg        *config.Config
	httpClient *client.HeaderSettingClient
	rewriter   *rewriter.Rewriter
}

// New creates a Proxy whose rewritten URIs target the given manifest and
// segment endpoint paths on cfg.BaseURL.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, rw *rewriter.Rewriter) *Proxy {
	return &Proxy{
		cfg:        cfg,
		httpClient: httpClient,
		rewriter:   rw,
	}
}

// HandleManifest serves a rewritten HLS manifest for the origin URL in
// the src query parameter. Relative references are resolved against the
// final URL after redirects, so manifests behind shorteners still resolve
// correctly.
func (p *Proxy) HandleManifest(w http.ResponseWriter, r *http.Request) {
	src, ok := p.sourceURL(w, r, "manifest")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.ProxyTimeout)
	defer cancel()

	resp, err := p.fetch(ctx, src, nil)
	if err != nil {
		p.writeUpstreamError(w, "manifest", src, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		metrics.UpstreamErrors.WithLabelValues("manifest", "status").Inc()
		metrics.ProxyRequests.WithLabelValues("manifest", "502").Inc()
		logger.Warn("{proxy - HandleManifest} Upstream returned HTTP %d for %s", resp.StatusCode, utils.LogURL(p.cfg, src))
		http.Error(w, fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode), http.StatusBadGateway)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		p.writeUpstreamError(w, "manifest", src, err)
		return
	}

	if !strings.HasPrefix(strings.TrimSpace(string(body)), "#EXTM3U") {
		metrics.UpstreamErrors.WithLabelValues("manifest", "not_manifest").Inc()
		metrics.ProxyRequests.WithLabelValues("manifest", "502").Inc()
		logger.Warn("{proxy - HandleManifest} Response is not an HLS manifest: %s", utils.LogURL(p.cfg, src))
		http.Error(w, "upstream response is not an HLS manifest", http.StatusBadGateway)
		return
	}

	// Redirect chains are common with shortened stream links; the final
	// URL is the only correct base for relative references.
	base := resp.Request.URL
	rewritten := p.rewriter.Rewrite(string(body), base)

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	if p.cfg.ProxyCacheControl != "" {
		w.Header().Set("Cache-Control", p.cfg.ProxyCacheControl)
	}
	metrics.ProxyRequests.WithLabelValues("manifest", "200").Inc()
	w.Write([]byte(rewritten))
}

// HandleSegment streams one media segment from the origin URL in the src
// query parameter. The client's Range header is forwarded upstream and
// the origin's partial-content response is relayed back unchanged.
func (p *Proxy) HandleSegment(w http.ResponseWriter, r *http.Request) {
	src, ok := p.sourceURL(w, r, "segment")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.ProxyTimeout)
	defer cancel()

	var upstream http.Header
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		upstream = http.Header{"Range": []string{rangeHeader}}
	}

	resp, err := p.fetch(ctx, src, upstream)
	if err != nil {
		p.writeUpstreamError(w, "segment", src, err)
		return
	}
	defer resp.Body.Close()

	copyRelayHeaders(w.Header(), resp.Header)
	if p.cfg.ProxyCacheControl != "" && w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", p.cfg.ProxyCacheControl)
	}

	metrics.ProxyRequests.WithLabelValues("segment", fmt.Sprintf("%d", resp.StatusCode)).Inc()
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// client went away or upstream died mid-stream; headers are
		// already sent so all we can do is log it
		logger.Debug("{proxy - HandleSegment} Relay interrupted for %s: %v", utils.LogURL(p.cfg, src), err)
	}
}

// sourceURL extracts and validates the src query parameter. A missing
// parameter or disallowed scheme answers 400 and returns ok=false.
func (p *Proxy) sourceURL(w http.ResponseWriter, r *http.Request, kind string) (string, bool) {
	src := r.URL.Query().Get("src")
	if src == "" {
		metrics.ProxyRequests.WithLabelValues(kind, "400").Inc()
		http.Error(w, "missing src parameter", http.StatusBadRequest)
		return "", false
	}

	parsed, err := url.Parse(src)
	if err != nil || !p.cfg.SchemeAllowed(parsed.Scheme) {
		metrics.ProxyRequests.WithLabelValues(kind, "400").Inc()
		logger.Warn("{proxy - sourceURL} Rejected src with unsupported scheme: %s", utils.LogURL(p.cfg, src))
		http.Error(w, "src must be an absolute http or https URL", http.StatusBadRequest)
		return "", false
	}
	return src, true
}

// fetch issues one upstream GET with optional extra headers.
func (p *Proxy) fetch(ctx context.Context, src string, extra http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	for name, values := range extra {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	return p.httpClient.Do(req)
}

// writeUpstreamError maps a transport failure onto the gateway status
// pair: timeouts answer 504, everything else answers 502.
func (p *Proxy) writeUpstreamError(w http.ResponseWriter, kind, src string, err error) {
	if isTimeout(err) {
		metrics.UpstreamErrors.WithLabelValues(kind, "timeout").Inc()
		metrics.ProxyRequests.WithLabelValues(kind, "504").Inc()
		logger.Warn("{proxy - writeUpstreamError} Upstream timed out for %s", utils.LogURL(p.cfg, src))
		http.Error(w, "upstream timed out", http.StatusGatewayTimeout)
		return
	}

	metrics.UpstreamErrors.WithLabelValues(kind, "connect").Inc()
	metrics.ProxyRequests.WithLabelValues(kind, "502").Inc()
	logger.Warn("{proxy - writeUpstreamError} Upstream unreachable for %s: %v", utils.LogURL(p.cfg, src), err)
	http.Error(w, "upstream unreachable", http.StatusBadGateway)
}

// isTimeout reports whether err represents a deadline rather than a
// connection failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

// copyRelayHeaders forwards the relevant origin headers to the client,
// skipping hop-by-hop headers the relay must not propagate.
func copyRelayHeaders(dst, src http.Header) {
	for _, name := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "Last-Modified", "ETag"} {
		if value := src.Get(name); value != "" {
			dst.Set(name, value)
		}
	}
}
