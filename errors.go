package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// errKind classifies failures so handlers can map them to HTTP statuses
// and dispatch stages can decide whether a retry is worthwhile.
type errKind string

const (
	errRequestInvalid    errKind = "request_invalid"
	errUnauthorized      errKind = "unauthorized"
	errNoAccount         errKind = "no_account_available"
	errSessionBusy       errKind = "session_busy"
	errSessionExhausted  errKind = "session_exhausted"
	errUpstreamQuota     errKind = "upstream_quota"
	errUpstreamTransient errKind = "upstream_transient"
	errUpstreamFatal     errKind = "upstream_fatal"
	errOAuthExchange     errKind = "oauth_exchange_failed"
	errOAuthRefresh      errKind = "oauth_refresh_failed"
	errStreamCut         errKind = "stream_cut"
	errUnknownToolCall   errKind = "unknown_tool_call"
	errInternal          errKind = "internal"
)

type proxyError struct {
	kind       errKind
	msg        string
	cause      error
	retryAfter time.Duration
}

func (e *proxyError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *proxyError) Unwrap() error { return e.cause }

func perror(kind errKind, msg string) *proxyError {
	return &proxyError{kind: kind, msg: msg}
}

func perrorf(kind errKind, format string, args ...any) *proxyError {
	return &proxyError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind errKind, msg string, cause error) *proxyError {
	return &proxyError{kind: kind, msg: msg, cause: cause}
}

// errorKind extracts the kind from any error in the chain, defaulting
// to internal.
func errorKind(err error) errKind {
	var pe *proxyError
	if errors.As(err, &pe) {
		return pe.kind
	}
	return errInternal
}

// httpStatus maps an error kind to the client-facing status code.
func httpStatus(kind errKind) int {
	switch kind {
	case errRequestInvalid, errUnknownToolCall:
		return http.StatusBadRequest
	case errUnauthorized:
		return http.StatusUnauthorized
	case errNoAccount:
		return http.StatusServiceUnavailable
	case errSessionBusy:
		return http.StatusConflict
	case errSessionExhausted, errUpstreamQuota:
		return http.StatusTooManyRequests
	case errUpstreamTransient, errUpstreamFatal, errOAuthExchange, errOAuthRefresh:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// retryableUpstream reports whether a dispatch attempt may be repeated.
// Only errors observed before the first emitted byte qualify.
func retryableUpstream(err error) bool {
	return errorKind(err) == errUpstreamTransient
}
