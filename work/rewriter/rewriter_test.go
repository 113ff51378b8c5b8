package rewriter

import (
	"net/url"
	"strings"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestRewriteMediaManifest(t *testing.T) {
	rw := New("/proxy/manifest", "/proxy/segment")
	base := mustParse(t, "https://cdn.example.com/live/channel/index.m3u8")

	manifest := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-TARGETDURATION:6",
		"#EXTINF:6.0,",
		"seg/chunk1.ts",
		"#EXTINF:6.0,",
		"https://other.example.com/chunk2.ts",
		"",
	}, "\n")

	got := rw.Rewrite(manifest, base)

	if want := "/proxy/segment?src=" + url.QueryEscape("https://cdn.example.com/live/channel/seg/chunk1.ts"); !strings.Contains(got, want) {
		t.Errorf("relative segment not resolved against base:\n%s", got)
	}
	if want := "/proxy/segment?src=" + url.QueryEscape("https://other.example.com/chunk2.ts"); !strings.Contains(got, want) {
		t.Errorf("absolute segment not proxied:\n%s", got)
	}
	if !strings.Contains(got, "#EXT-X-TARGETDURATION:6") {
		t.Errorf("tag lines must pass through unchanged:\n%s", got)
	}
	if strings.Contains(got, "/proxy/manifest?") {
		t.Errorf("media manifest lines must route to the segment endpoint:\n%s", got)
	}
}

func TestRewriteMasterManifest(t *testing.T) {
	rw := New("/proxy/manifest", "/proxy/segment")
	base := mustParse(t, "https://cdn.example.com/live/master.m3u8")

	manifest := strings.Join([]string{
		"#EXTM3U",
		`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",URI="audio/en.m3u8"`,
		"#EXT-X-STREAM-INF:BANDWIDTH=1280000",
		"720p.m3u8",
	}, "\n")

	got := rw.Rewrite(manifest, base)

	if want := "/proxy/manifest?src=" + url.QueryEscape("https://cdn.example.com/live/720p.m3u8"); !strings.Contains(got, want) {
		t.Errorf("variant playlist must route to the manifest endpoint:\n%s", got)
	}
	if want := `URI="/proxy/manifest?src=` + url.QueryEscape("https://cdn.example.com/live/audio/en.m3u8") + `"`; !strings.Contains(got, want) {
		t.Errorf("alternate rendition URI must route to the manifest endpoint:\n%s", got)
	}
}

func TestRewriteKeyURI(t *testing.T) {
	rw := New("/proxy/manifest", "/proxy/segment")
	base := mustParse(t, "https://cdn.example.com/live/index.m3u8")

	manifest := strings.Join([]string{
		"#EXTM3U",
		`#EXT-X-KEY:METHOD=AES-128,URI="keys/k1.bin"`,
		"#EXTINF:6.0,",
		"chunk1.ts",
	}, "\n")

	got := rw.Rewrite(manifest, base)

	if want := `URI="/proxy/segment?src=` + url.QueryEscape("https://cdn.example.com/live/keys/k1.bin") + `"`; !strings.Contains(got, want) {
		t.Errorf("key URI must route to the segment endpoint:\n%s", got)
	}
}

func TestRewritePreservesLineCount(t *testing.T) {
	rw := New("/proxy/manifest", "/proxy/segment")
	base := mustParse(t, "https://cdn.example.com/index.m3u8")

	manifest := "#EXTM3U\n\n#EXTINF:6.0,\nchunk1.ts\n"
	got := rw.Rewrite(manifest, base)

	if strings.Count(got, "\n") != strings.Count(manifest, "\n") {
		t.Errorf("line structure changed:\n%q\n->\n%q", manifest, got)
	}
}

func TestIsMaster(t *testing.T) {
	if !IsMaster("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nv.m3u8") {
		t.Error("IsMaster() = false for a variant listing")
	}
	if IsMaster("#EXTM3U\n#EXTINF:6.0,\nchunk.ts") {
		t.Error("IsMaster() = true for a media manifest")
	}
}

func TestProxyURL(t *testing.T) {
	rw := New("/proxy/manifest", "/proxy/segment")

	got := rw.ProxyURL("https://cdn.example.com/a b.ts", false)
	want := "/proxy/segment?src=" + url.QueryEscape("https://cdn.example.com/a b.ts")
	if got != want {
		t.Errorf("ProxyURL() = %q, want %q", got, want)
	}
}
