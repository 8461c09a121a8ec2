// Copyright 2025-2026 The tlfix Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package web serves the status page and the JSON API.
package web

import (
	"context"
	_ "embed"
	"net/http"
	"time"

	"tlfix/pkg/log"
)

//go:embed status.html
var statusPage []byte

// Index serves the embedded status page.
func Index() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(statusPage) //nolint:errcheck
	})
}

// Server serves the mux on addr.
type Server struct {
	Mux *http.ServeMux

	addr   string
	logger *log.Logger
}

// NewServer returns a Server with an empty mux.
func NewServer(addr string, logger *log.Logger) *Server {
	return &Server{
		Mux:    http.NewServeMux(),
		addr:   addr,
		logger: logger,
	}
}

// Start serves until ctx is canceled and then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{Addr: s.addr, Handler: s.Mux}

	fatal := make(chan error, 1)
	go func() { fatal <- server.ListenAndServe() }()

	s.logger.Info().Src("web").Msgf("serving status page on %v", s.addr)

	select {
	case err := <-fatal:
		return err
	case <-ctx.Done():
	}

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx2)
}
