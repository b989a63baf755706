package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
)

// UserHeader carries the authenticated user set by a fronting proxy.
const UserHeader = "X-Forwarded-User"

// requestBag extracts the attributes of an inbound request.
func requestBag(r *http.Request, now time.Time) attribute.Bag {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	b := attribute.NewBuilder().
		String(attribute.RequestMethod, r.Method).
		String(attribute.RequestPath, r.URL.RequestURI()).
		String(attribute.RequestURLPath, r.URL.Path).
		String(attribute.RequestHost, r.Host).
		String(attribute.RequestScheme, scheme).
		Timestamp(attribute.RequestTime, now).
		String(attribute.ContextProtocol, "http").
		StringMap(attribute.RequestHeaders, headerMap(r.Header))

	if id := r.Header.Get("X-Request-ID"); id != "" {
		b.String(attribute.RequestID, id)
	}
	if ua := r.UserAgent(); ua != "" {
		b.String(attribute.RequestUserAgent, ua)
	}
	if user := r.Header.Get(UserHeader); user != "" {
		b.String(attribute.SourceUser, user)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		b.String(attribute.SourceIP, host)
	}
	if r.ContentLength >= 0 {
		b.Int64(attribute.RequestSize, r.ContentLength)
	}
	if q := r.URL.Query(); len(q) > 0 {
		params := make(map[string]string, len(q))
		for k, v := range q {
			params[k] = strings.Join(v, ",")
		}
		b.StringMap(attribute.RequestQueryParams, params)
	}
	return b.Build()
}

// responseBag adds what happened to the request to the checked attributes.
func responseBag(bag attribute.Bag, rw *responseWriter, took time.Duration, now time.Time) attribute.Bag {
	return bag.
		With(attribute.ResponseCode, attribute.Int64(int64(rw.status))).
		With(attribute.ResponseSize, attribute.Int64(rw.bytesWritten)).
		With(attribute.ResponseDuration, attribute.Duration(took)).
		With(attribute.ResponseTime, attribute.Timestamp(now)).
		With(attribute.ResponseHeaders, attribute.StringMap(headerMap(rw.Header())))
}

func headerMap(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k, v := range h {
		m[strings.ToLower(k)] = strings.Join(v, ",")
	}
	return m
}

func applyHeaderOps(h http.Header, ops []api.HeaderOperation) {
	for _, op := range ops {
		switch op.Operation {
		case api.HeaderRemove:
			h.Del(op.Name)
		case api.HeaderAppend:
			h.Add(op.Name, op.Value)
		default:
			h.Set(op.Name, op.Value)
		}
	}
}
