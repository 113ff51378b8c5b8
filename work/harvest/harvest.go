package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"tvwall-proxy/work/client"
	"tvwall-proxy/work/config"
	"tvwall-proxy/work/lists"
	"tvwall-proxy/work/logger"
	"tvwall-proxy/work/metrics"
	"tvwall-proxy/work/utils"

	"github.com/grafana/regexp"
	"go.uber.org/ratelimit"
)

// maxSourceBytes caps how much of any single source document is read.
const maxSourceBytes = 8 * 1024 * 1024

var (
	// streamLinkRe extracts absolute HLS URLs from free-form text such as
	// a repository README.
	streamLinkRe = regexp.MustCompile(`https?://[^\s)"]+?\.m3u8(?:\?[^\s)"]*)?`)

	// mdActiveLinkRe matches the active-entry markdown pattern [>](url)
	// used by curated channel list repositories.
	mdActiveLinkRe = regexp.MustCompile(`\[\>\]\((https?://[^)]+)\)`)
)

// Harvester pulls candidate stream URLs out of configured sources. Three
// source shapes are recognized:
//
//   - a direct .m3u/.m3u8 playlist URL: content lines that are absolute
//     HLS URLs are collected, #-prefixed metadata lines are skipped;
//   - a URL ending in .json: a flat JSON array of URL strings;
//   - a github.com repository URL: the generated playlist.m3u8 on the
//     default branch, falling back to active entries in lists/*.md,
//     falling back to a README text scan.
//
// Harvesting is best-effort: a failing source is logged and skipped, and
// whatever the remaining sources produced is returned.
type Harvester struct {
	cfg        *config.Config
	httpClient *client.HeaderSettingClient
	limiter    ratelimit.Limiter
}

// New creates a Harvester paced at one source fetch per configured
// harvest delay, so upstream hosts never see a burst.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient) *Harvester {
	return &Harvester{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    ratelimit.New(1, ratelimit.Per(cfg.HarvestDelay)),
	}
}

// Harvest fetches every configured source in order and returns the
// deduplicated union of discovered candidate URLs, insertion order
// preserved across sources.
func (h *Harvester) Harvest(ctx context.Context) []string {
	var all []string
	seen := make(map[string]struct{})

	for _, source := range h.cfg.HarvestSources {
		h.limiter.Take()

		logger.Info("{harvest - Harvest} Scanning source: %s", utils.LogURL(h.cfg, source))
		found, kind, err := h.collect(ctx, source)
		if err != nil {
			metrics.HarvestSources.WithLabelValues("failed").Inc()
			logger.Warn("{harvest - Harvest} Source unreachable, skipping %s: %v", utils.LogURL(h.cfg, source), err)
			continue
		}
		metrics.HarvestSources.WithLabelValues("ok").Inc()

		newCount := 0
		for _, link := range found {
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			all = append(all, link)
			newCount++
		}
		logger.Info("{harvest - Harvest} Source kind %q yielded %d new link(s)", kind, newCount)
	}

	return all
}

// collect routes one source to its shape-specific collector.
func (h *Harvester) collect(ctx context.Context, source string) ([]string, string, error) {
	switch {
	case isJSONList(source):
		found, err := h.collectFromJSONList(ctx, source)
		return found, "json list", err
	case isDirectPlaylist(source):
		found, err := h.collectFromPlaylistURL(ctx, source)
		return found, "direct playlist", err
	default:
		return h.collectFromRepo(ctx, source)
	}
}

func isDirectPlaylist(source string) bool {
	value := strings.ToLower(strings.TrimSpace(source))
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		return false
	}
	return strings.Contains(value, ".m3u")
}

func isJSONList(source string) bool {
	u, err := url.Parse(strings.TrimSpace(source))
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".json")
}

// collectFromPlaylistURL parses an extended-format playlist: one URI per
// content line, #-prefixed lines ignored.
func (h *Harvester) collectFromPlaylistURL(ctx context.Context, playlistURL string) ([]string, error) {
	text, err := h.fetchText(ctx, playlistURL)
	if err != nil {
		return nil, err
	}
	return parsePlaylistLines(text), nil
}

// collectFromJSONList parses a flat JSON array of URL strings.
func (h *Harvester) collectFromJSONList(ctx context.Context, listURL string) ([]string, error) {
	text, err := h.fetchText(ctx, listURL)
	if err != nil {
		return nil, err
	}

	var raw []string
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("source is not a JSON array of strings: %w", err)
	}

	var links []string
	for _, item := range raw {
		link := strings.TrimSpace(item)
		lower := strings.ToLower(link)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			links = append(links, link)
		}
	}
	return lists.Dedupe(links), nil
}

// collectFromRepo walks a GitHub repository's known layouts for channel
// lists, most authoritative first.
func (h *Harvester) collectFromRepo(ctx context.Context, repoURL string) ([]string, string, error) {
	owner, repo, err := parseGitHubRepo(repoURL)
	if err != nil {
		return nil, "", err
	}

	branch := h.defaultBranch(ctx, owner, repo)

	// The generated playlist is the canonical source of included channels.
	raw := fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/playlist.m3u8", owner, repo, branch)
	if text, err := h.fetchText(ctx, raw); err == nil {
		return parsePlaylistLines(text), "repo playlist.m3u8", nil
	}

	// Fall back to source markdown with only active [>] entries.
	if found, err := h.collectFromListsMD(ctx, owner, repo); err == nil {
		return found, "repo lists/*.md [>]", nil
	}

	// Last fallback: shallow scan of README text only.
	readme := fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/README.md", owner, repo, branch)
	text, err := h.fetchText(ctx, readme)
	if err != nil {
		return nil, "", fmt.Errorf("no readable layout in %s/%s: %w", owner, repo, err)
	}
	return lists.Dedupe(streamLinkRe.FindAllString(text, -1)), "repo README.md", nil
}

// collectFromListsMD pulls active markdown entries out of the repo's
// lists/ directory via the GitHub contents API.
func (h *Harvester) collectFromListsMD(ctx context.Context, owner, repo string) ([]string, error) {
	type contentItem struct {
		Type        string `json:"type"`
		Name        string `json:"name"`
		DownloadURL string `json:"download_url"`
	}

	api := fmt.Sprintf("https://api.github.com/repos/%s/%s/contents/lists", owner, repo)
	payload, err := h.fetchText(ctx, api)
	if err != nil {
		return nil, err
	}

	var items []contentItem
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, fmt.Errorf("unexpected contents listing: %w", err)
	}

	var links []string
	for _, item := range items {
		if item.Type != "file" || !strings.HasSuffix(strings.ToLower(item.Name), ".md") || item.DownloadURL == "" {
			continue
		}
		text, err := h.fetchText(ctx, item.DownloadURL)
		if err != nil {
			continue
		}
		for _, match := range mdActiveLinkRe.FindAllStringSubmatch(text, -1) {
			link := strings.TrimSpace(match[1])
			if strings.Contains(strings.ToLower(link), ".m3u8") {
				links = append(links, link)
			}
		}
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("no active entries under lists/")
	}
	return lists.Dedupe(links), nil
}

// defaultBranch asks the GitHub API for the repo's default branch,
// falling back to "master" when the API is unavailable.
func (h *Harvester) defaultBranch(ctx context.Context, owner, repo string) string {
	api := fmt.Sprintf("https://api.github.com/repos/%s/%s", owner, repo)
	payload, err := h.fetchText(ctx, api)
	if err != nil {
		return "master"
	}

	var meta struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := json.Unmarshal([]byte(payload), &meta); err != nil || meta.DefaultBranch == "" {
		return "master"
	}
	return meta.DefaultBranch
}

// fetchText retrieves one source document with the harvest timeout.
func (h *Harvester) fetchText(ctx context.Context, rawURL string) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, h.cfg.HarvestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// parsePlaylistLines extracts absolute HLS URLs from extended-format
// playlist text: #-prefixed metadata lines and relative entries are
// skipped, only absolute http(s) lines naming a .m3u8 resource survive.
func parsePlaylistLines(text string) []string {
	var links []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lower := strings.ToLower(line)
		if (strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")) &&
			strings.Contains(lower, ".m3u8") {
			links = append(links, line)
		}
	}
	return lists.Dedupe(links)
}

// parseGitHubRepo converts a GitHub URL into an (owner, repo) pair.
func parseGitHubRepo(repoURL string) (string, string, error) {
	trimmed := strings.TrimSpace(repoURL)
	if trimmed == "" {
		return "", "", fmt.Errorf("empty repository URL")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", "", fmt.Errorf("invalid repository URL %q: %w", repoURL, err)
	}
	if !strings.EqualFold(parsed.Host, "github.com") {
		return "", "", fmt.Errorf("unsupported host in %q", repoURL)
	}

	path := strings.Trim(parsed.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository URL %q", repoURL)
	}
	return parts[0], parts[1], nil
}
