package checker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tvwall-proxy/work/client"
	"tvwall-proxy/work/config"
	"tvwall-proxy/work/logger"
	"tvwall-proxy/work/metrics"
	"tvwall-proxy/work/utils"

	"github.com/grafov/m3u8"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// maxManifestBytes caps how much of a probed manifest is read. Live
// manifests are small; anything larger is not worth pulling for a
// playability verdict.
const maxManifestBytes = 512 * 1024

// Verdict is the binary outcome of one availability probe. Every
// candidate resolves to exactly playable or not playable; probe errors of
// any kind collapse into the latter.
type Verdict struct {
	Playable  bool
	Reason    string
	CheckedAt time.Time
	Elapsed   time.Duration
}

// Checker probes candidate stream URLs over a fixed-size worker pool.
// The pool size is the hard bound on simultaneous outbound connections;
// each worker owns one in-flight request at a time.
type Checker struct {
	cfg        *config.Config
	httpClient *client.HeaderSettingClient
	pool       *ants.Pool
}

// New creates a Checker that probes through the given pool.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, pool *ants.Pool) *Checker {
	return &Checker{
		cfg:        cfg,
		httpClient: httpClient,
		pool:       pool,
	}
}

// Check probes every candidate and returns a verdict for each. A slow or
// hanging probe never blocks the others: the timeout is enforced
// per-probe through its own context. Results are collected in a
// concurrent map where each worker writes only its own URL's slot.
func (c *Checker) Check(ctx context.Context, urls []string) map[string]Verdict {
	results := xsync.NewMapOf[string, Verdict]()

	logger.Info("{checker - Check} Probing %d candidate(s) with %d worker(s), timeout %s",
		len(urls), c.pool.Cap(), c.cfg.ProbeTimeout)

	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		probeURL := u
		task := func() {
			defer wg.Done()
			results.Store(probeURL, c.probe(ctx, probeURL))
		}
		if err := c.pool.Submit(task); err != nil {
			// pool released mid-run; finish the probe on this goroutine
			logger.Warn("{checker - Check} worker pool rejected task: %v", err)
			task()
		}
	}
	wg.Wait()

	verdicts := make(map[string]Verdict, len(urls))
	playable := 0
	results.Range(func(key string, v Verdict) bool {
		verdicts[key] = v
		if v.Playable {
			playable++
		}
		return true
	})

	logger.Info("{checker - Check} Done: %d/%d playable", playable, len(verdicts))
	return verdicts
}

// probe performs one bounded manifest fetch and classifies the outcome.
func (c *Checker) probe(ctx context.Context, rawURL string) Verdict {
	metrics.ProbesInFlight.Inc()
	defer metrics.ProbesInFlight.Dec()

	started := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	verdict := c.fetchAndClassify(probeCtx, rawURL)
	verdict.CheckedAt = started
	verdict.Elapsed = time.Since(started)

	if verdict.Playable {
		metrics.ProbesTotal.WithLabelValues("playable").Inc()
		logger.Debug("{checker - probe} OK %s (%s) [%s]",
			utils.LogURL(c.cfg, rawURL), verdict.Reason, verdict.Elapsed.Round(time.Millisecond))
	} else {
		metrics.ProbesTotal.WithLabelValues("not_playable").Inc()
		logger.Debug("{checker - probe} FAIL %s (%s) [%s]",
			utils.LogURL(c.cfg, rawURL), verdict.Reason, verdict.Elapsed.Round(time.Millisecond))
	}

	return verdict
}

func (c *Checker) fetchAndClassify(ctx context.Context, rawURL string) Verdict {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Verdict{Playable: false, Reason: "invalid URL"}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Verdict{Playable: false, Reason: "timeout"}
		}
		if strings.Contains(err.Error(), "stopped after") {
			return Verdict{Playable: false, Reason: "too many redirects"}
		}
		return Verdict{Playable: false, Reason: "connection failed"}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Verdict{Playable: false, Reason: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Verdict{Playable: false, Reason: "timeout"}
		}
		return Verdict{Playable: false, Reason: "body read failed"}
	}

	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("#EXTM3U")) {
		return Verdict{Playable: false, Reason: "not an HLS manifest"}
	}

	return Verdict{Playable: true, Reason: describeManifest(body)}
}

// describeManifest classifies a playable manifest body for the verdict
// reason and the probe history record. Decode failures don't demote the
// verdict: the #EXTM3U signature already passed.
func describeManifest(body []byte) string {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(body)), false)
	if err != nil {
		return "manifest"
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		return fmt.Sprintf("master playlist, %d variant(s)", len(master.Variants))
	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		return fmt.Sprintf("media playlist, %d segment(s)", media.Count())
	default:
		return "manifest"
	}
}

// Playable filters candidates down to those with a playable verdict,
// preserving candidate order so the checked output is deterministic.
func Playable(candidates []string, verdicts map[string]Verdict) []string {
	var out []string
	for _, u := range candidates {
		if v, ok := verdicts[u]; ok && v.Playable {
			out = append(out, u)
		}
	}
	return out
}
