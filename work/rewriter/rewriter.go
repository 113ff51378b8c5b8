package rewriter

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/grafana/regexp"
)

// attrURIRe matches the URI="..." attribute carried by tags such as
// #EXT-X-KEY, #EXT-X-MAP and #EXT-X-MEDIA.
var attrURIRe = regexp.MustCompile(`URI="([^"]+)"`)

// lineKind classifies one manifest line. Rewriting walks the manifest as
// an ordered sequence of classified lines rather than regex-patching the
// whole text, which keeps relative-URL resolution correct and testable.
type lineKind int

const (
	lineBlank      lineKind = iota // empty or whitespace-only
	lineTag                        // #-prefixed tag or comment without an embedded URI
	lineTagWithURI                 // #-prefixed tag carrying a URI="..." attribute
	lineURI                        // a bare URI line (variant playlist or media segment)
)

// classifyLine tags a single manifest line.
func classifyLine(line string) lineKind {
	stripped := strings.TrimSpace(line)
	switch {
	case stripped == "":
		return lineBlank
	case strings.HasPrefix(stripped, "#"):
		if strings.Contains(line, "URI=") {
			return lineTagWithURI
		}
		return lineTag
	default:
		return lineURI
	}
}

// IsMaster reports whether a manifest lists stream variants rather than
// media segments.
func IsMaster(manifest string) bool {
	return strings.Contains(manifest, "#EXT-X-STREAM-INF")
}

// playlistTag reports whether a tag's URI attribute points at another
// playlist (alternate renditions) rather than at raw media bytes
// (encryption keys, init maps).
func playlistTag(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "#EXT-X-MEDIA")
}

// Rewriter rewrites upstream manifest URIs to proxy-relative URLs. The
// two endpoint prefixes are relative to the serving origin, so rewritten
// manifests stay playable behind any host or port.
type Rewriter struct {
	manifestPath string // endpoint for playlists, e.g. "/proxy/manifest"
	segmentPath  string // endpoint for segments and keys, e.g. "/proxy/segment"
}

// New builds a Rewriter targeting the given proxy endpoints.
func New(manifestPath, segmentPath string) *Rewriter {
	return &Rewriter{
		manifestPath: manifestPath,
		segmentPath:  segmentPath,
	}
}

// ProxyURL builds the proxy-relative URL for an absolute upstream URL.
func (rw *Rewriter) ProxyURL(absolute string, manifest bool) string {
	path := rw.segmentPath
	if manifest {
		path = rw.manifestPath
	}
	return fmt.Sprintf("%s?src=%s", path, url.QueryEscape(absolute))
}

// Rewrite transforms manifest text fetched from base so that every
// embedded URI points back at the proxy. Relative URIs resolve against
// base (the manifest's own final location, after redirects) per standard
// URI-resolution rules. In a master manifest bare URI lines are variant
// playlists and route to the manifest endpoint; in a media manifest they
// are segments and route to the segment endpoint. URI="..." attributes
// are rewritten in place, keys and maps to the segment endpoint,
// alternate renditions to the manifest endpoint.
func (rw *Rewriter) Rewrite(manifest string, base *url.URL) string {
	master := IsMaster(manifest)

	out := make([]string, 0, strings.Count(manifest, "\n")+1)
	for _, line := range strings.Split(manifest, "\n") {
		switch classifyLine(line) {
		case lineBlank, lineTag:
			out = append(out, line)

		case lineTagWithURI:
			toManifest := playlistTag(line)
			out = append(out, rw.rewriteAttrURI(line, base, toManifest))

		case lineURI:
			absolute := resolve(base, strings.TrimSpace(line))
			out = append(out, rw.ProxyURL(absolute, master))
		}
	}

	return strings.Join(out, "\n")
}

// rewriteAttrURI replaces every URI="..." attribute in a tag line with a
// proxy URL for the resolved absolute target.
func (rw *Rewriter) rewriteAttrURI(line string, base *url.URL, toManifest bool) string {
	return attrURIRe.ReplaceAllStringFunc(line, func(match string) string {
		raw := attrURIRe.FindStringSubmatch(match)[1]
		absolute := resolve(base, raw)
		return fmt.Sprintf(`URI="%s"`, rw.ProxyURL(absolute, toManifest))
	})
}

// resolve joins a possibly-relative reference against the manifest base.
// An unparseable reference passes through untouched rather than breaking
// the whole manifest.
func resolve(base *url.URL, ref string) string {
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
