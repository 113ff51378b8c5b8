package client

import (
	"fmt"
	"net/http"
	"time"

	"tvwall-proxy/work/config"
)

// HeaderSettingClient wraps http.Client to automatically set the outbound
// headers every upstream fetch needs (User-Agent, Accept). Per-request
// deadlines come from request contexts, not a client-wide timeout, so the
// same client serves probes, harvest fetches and proxy relays.
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config
}

// New builds a HeaderSettingClient with pooled connections and a redirect
// hop bound taken from configuration. Exceeding the bound fails the
// request instead of looping.
func New(cfg *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // per-request contexts carry the deadline
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}

	return &HeaderSettingClient{
		Client: client,
		config: cfg,
	}
}

// Do sets the default headers and executes the request.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hsc.config.UserAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", hsc.config.AcceptHeader)
	}
}
