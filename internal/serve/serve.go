// Package serve runs an HTTP server until its context ends.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const shutdownTimeout = 10 * time.Second

// Run serves h on addr and shuts the server down gracefully when ctx is
// cancelled. There is no write timeout because event streams stay open;
// onShutdown hooks run when shutdown starts and should close them.
func Run(ctx context.Context, addr string, h http.Handler, log *slog.Logger, onShutdown ...func()) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	for _, f := range onShutdown {
		srv.RegisterOnShutdown(f)
	}

	errc := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "http.listen", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("http.shutdown.start")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http.shutdown.forced", slog.String("err", err.Error()))
		return srv.Close()
	}
	log.Info("http.shutdown.ok")
	return nil
}
