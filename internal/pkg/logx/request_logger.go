/*
Package logx provides a structured logging wrapper based on zerolog.

This file holds the chi middleware that logs each HTTP request (method, URI, status,
latency) with an anonymized client address.
*/
package logx

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// quietPaths are polled by probes and scrapers and are only logged at debug level.
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// AnonymizeIP truncates an address to keep approximate location only.
// IPv4 loses its last octet, IPv6 keeps the first 64 bits.
func AnonymizeIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err == nil {
		addr = host
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return "unknown_ip"
	}

	if ip.IsLoopback() {
		return "127.0.0.1"
	}

	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}

	masked := ip.Mask(net.CIDRMask(64, 128))
	return masked.String()
}

// RequestLogger returns a middleware that logs the request lifecycle and stores a
// request-scoped logger in the request context.
func RequestLogger() func(next http.Handler) http.Handler {
	baseLogger := Logger()

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			logger := baseLogger.With().
				Str("component", "http").
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_ip", AnonymizeIP(r.RemoteAddr)).
				Str("request_method", r.Method).
				Str("request_uri", r.RequestURI).
				Logger()

			r = r.WithContext(logger.WithContext(r.Context()))

			started := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()

			logEvent := logger.Info()
			switch {
			case status >= 500:
				logEvent = logger.Error()
			case status >= 400:
				logEvent = logger.Warn()
			default:
				if _, quiet := quietPaths[r.URL.Path]; quiet {
					logEvent = logger.Debug()
				}
			}

			logEvent.
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(started)).
				Msg("Request completed")
		}

		return http.HandlerFunc(fn)
	}
}
