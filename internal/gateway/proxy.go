package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

// agentProxy forwards /agent/* to the supervised agent server, stripping the
// prefix and attaching the agent bearer token. While the agent is down or
// restarting, requests get a retryable 503 instead of a connection error so
// browsers can back off and retry.
func (s *Server) agentProxy() http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			base, err := url.Parse(s.Supervisor.BaseURL())
			if err != nil || base.Host == "" {
				return
			}
			pr.SetURL(base)
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, "/agent")
			if pr.Out.URL.Path == "" {
				pr.Out.URL.Path = "/"
			}
			if token := s.Supervisor.Token(); token != "" {
				pr.Out.Header.Set("Authorization", "Bearer "+token)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("agent proxy error", "path", r.URL.Path, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":     "agent unavailable",
				"retryable": true,
			})
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Supervisor.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":     "restarting",
				"retryable": true,
			})
			return
		}
		proxy.ServeHTTP(w, r)
	})
}
