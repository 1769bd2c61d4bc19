// Package health serves the GET /health document of the HTTP servers.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mcp-examples/calculator-go/mcpservice"
)

// Status is the body of a health response.
type Status struct {
	Status    string   `json:"status"`
	Server    string   `json:"server"`
	Version   string   `json:"version,omitempty"`
	Transport string   `json:"transport,omitempty"`
	Tools     []string `json:"tools"`
}

// Option customizes the health document.
type Option func(*Status)

// WithTransport reports the transport name in the document.
func WithTransport(name string) Option {
	return func(s *Status) { s.Transport = name }
}

// Handler reports the server identity and the names of the registered tools.
// It answers 503 when the server cannot describe itself.
func Handler(srv mcpservice.ServerCapabilities, log *slog.Logger, opts ...Option) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sess := mcpservice.NewSessionState("health")

		st := Status{Status: "healthy", Tools: []string{}}
		for _, opt := range opts {
			opt(&st)
		}
		code := http.StatusOK

		info, err := srv.GetServerInfo(ctx, sess)
		if err != nil {
			log.ErrorContext(ctx, "health.server_info.fail", slog.String("err", err.Error()))
			st.Status, code = "unhealthy", http.StatusServiceUnavailable
		}
		st.Server, st.Version = info.Name, info.Version

		if tc, ok, err := srv.GetToolsCapability(ctx, sess); err != nil {
			log.ErrorContext(ctx, "health.tools.fail", slog.String("err", err.Error()))
			st.Status, code = "unhealthy", http.StatusServiceUnavailable
		} else if ok {
			tools, err := tc.ListTools(ctx, sess)
			if err != nil {
				log.ErrorContext(ctx, "health.tools.fail", slog.String("err", err.Error()))
				st.Status, code = "unhealthy", http.StatusServiceUnavailable
			}
			for _, t := range tools {
				st.Tools = append(st.Tools, t.Name)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	})
}
