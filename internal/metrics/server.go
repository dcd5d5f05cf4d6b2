// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sage-x-project/brontide/internal/logger"
)

// Handler returns the HTTP handler that serves brontide's Registry in
// Prometheus exposition format, for embedding into a caller-owned mux
// (e.g. alongside other operator endpoints) rather than always owning a
// standalone listener.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ServerConfig configures a standalone metrics HTTP server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":9090".
	Addr string
	// Path is the URL path the metrics handler is mounted at (default
	// "/metrics" if empty), matching config.MetricsConfig.Path.
	Path string
}

// StartServer runs a standalone metrics HTTP server on cfg.Addr until ctx
// is cancelled, then shuts it down gracefully. It is the collaborator
// `brontide-cli serve-metrics` starts when config.MetricsConfig.Enabled
// is set.
func StartServer(ctx context.Context, cfg ServerConfig) error {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, Handler())

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log := logger.GetDefaultLogger()
		log.Info("metrics server listening", logger.String("addr", cfg.Addr), logger.String("path", path))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics: shutdown server: %w", err)
		}
		return <-errCh
	}
}
