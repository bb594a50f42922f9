// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yl2chen/cidranger"

	"github.com/loganrossus/egresswatch/pkg/metrics"
)

// ACLMiddleware admits clients whose address falls in one of the allowed
// networks.
type ACLMiddleware struct {
	allowed    cidranger.Ranger
	empty      bool
	trustProxy bool
	logger     *slog.Logger
}

// NewACLMiddleware creates a new ACL middleware. Entries may be CIDRs or
// bare addresses. With no networks only loopback clients are admitted.
func NewACLMiddleware(networks []string, trustProxy bool, logger *slog.Logger) (*ACLMiddleware, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &ACLMiddleware{
		allowed:    cidranger.NewPCTrieRanger(),
		empty:      len(networks) == 0,
		trustProxy: trustProxy,
		logger:     logger,
	}
	for _, n := range networks {
		prefix, err := parsePrefix(n)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed network %q: %w", n, err)
		}
		ipnet := net.IPNet{IP: prefix.Addr().AsSlice(), Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen())}
		if err := m.allowed.Insert(cidranger.NewBasicRangerEntry(ipnet)); err != nil {
			return nil, fmt.Errorf("invalid allowed network %q: %w", n, err)
		}
	}
	return m, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Wrap returns an http.Handler that enforces the ACL before next.
func (m *ACLMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := clientIP(r, m.trustProxy)
		if !ok || !m.admits(addr) {
			m.logger.Warn("access denied by ACL",
				"remote_addr", r.RemoteAddr,
				"client_ip", addr.String(),
				"path", r.URL.Path,
			)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *ACLMiddleware) admits(addr netip.Addr) bool {
	if m.empty {
		return addr.IsLoopback()
	}
	ok, err := m.allowed.Contains(addr.AsSlice())
	return err == nil && ok
}

// clientIP returns the caller address. Behind a trusted proxy the first
// X-Forwarded-For hop, then X-Real-IP, take precedence over RemoteAddr.
func clientIP(r *http.Request, trustProxy bool) (netip.Addr, bool) {
	if trustProxy {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		for _, v := range []string{first, r.Header.Get("X-Real-IP")} {
			if addr, err := netip.ParseAddr(strings.TrimSpace(v)); err == nil {
				return addr.Unmap(), true
			}
		}
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(r.RemoteAddr)
	return addr.Unmap(), err == nil
}

// RequestLogger logs every request at debug level and records request
// metrics under the matched route pattern.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			metrics.RecordAPIRequest(r.Method, route, wrapped.statusCode, elapsed.Seconds())

			logger.Debug("api request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", elapsed.Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
