/*
Copyright © contributors to CloudNativePG, established as
CloudNativePG a Series of LF Projects, LLC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes a Prometheus registry over HTTP.
type Server struct {
	registry *prometheus.Registry
	server   *http.Server
}

// NewServer creates an exporter listening on address, serving the given
// registry under /metrics.
func NewServer(address string, registry *prometheus.Registry) *Server {
	serveMux := http.NewServeMux()
	serveMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		registry: registry,
		server: &http.Server{
			Addr:              address,
			Handler:           serveMux,
			ReadTimeout:       20 * time.Second,
			ReadHeaderTimeout: 3 * time.Second,
		},
	}
}

// Start serves the exporter until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	contextLogger := log.FromContext(ctx).WithName("metrics")
	contextLogger.Info("Starting metrics exporter", "address", s.server.Addr)

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
