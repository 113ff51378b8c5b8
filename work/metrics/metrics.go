package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProbesTotal counts finished availability probes by verdict ("playable"
// or "not_playable"). This metric is a counter and only increases.
var ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tvwall_probes_total",
	Help: "Number of completed stream probes",
}, []string{"verdict"})

// ProbesInFlight tracks the number of probes currently holding an
// outbound connection. Bounded by the checker worker pool size.
var ProbesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tvwall_probes_in_flight",
	Help: "Number of probes currently in flight",
})

// ProxyRequests counts HLS proxy requests by kind ("manifest" or
// "segment") and the status code answered to the client ("200", "400",
// "502", "504", or the relayed upstream code for segments).
var ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tvwall_proxy_requests_total",
	Help: "Number of HLS proxy requests served",
}, []string{"kind", "status"})

// UpstreamErrors counts upstream fetch failures in the proxy by kind and
// reason ("timeout", "connect", "status", "manifest").
var UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tvwall_upstream_errors_total",
	Help: "Number of upstream fetch failures",
}, []string{"kind", "reason"})

// HarvestSources counts harvested sources by result ("ok" or "failed").
var HarvestSources = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tvwall_harvest_sources_total",
	Help: "Number of harvest source fetch attempts",
}, []string{"result"})

// CatalogSize tracks the number of URLs per catalog list after the most
// recent pipeline stage that touched it.
var CatalogSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "tvwall_catalog_size",
	Help: "Number of URLs in each catalog list",
}, []string{"list"})
