package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Kind is the stable error code surfaced in response envelopes.
type Kind string

const (
	KindValidation   Kind = "validation_error"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindConflict     Kind = "conflict"
	KindRateLimited  Kind = "rate_limited"
	KindUpstream     Kind = "upstream_error"
	KindStale        Kind = "stale"
	KindInternal     Kind = "internal_error"
)

// httpStatus maps error kinds to HTTP status codes.
var httpStatus = map[Kind]int{
	KindValidation:   http.StatusBadRequest,
	KindNotFound:     http.StatusNotFound,
	KindUnauthorized: http.StatusUnauthorized,
	KindForbidden:    http.StatusForbidden,
	KindConflict:     http.StatusConflict,
	KindRateLimited:  http.StatusTooManyRequests,
	KindUpstream:     http.StatusBadGateway,
	KindStale:        http.StatusOK,
	KindInternal:     http.StatusInternalServerError,
}

// Envelope is the uniform response shape.
type Envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      Kind        `json:"code,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// respond writes a success envelope.
func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// fail writes an error envelope with the kind's status code.
func fail(c *gin.Context, kind Kind, message string) {
	status, ok := httpStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, Envelope{
		Success:   false,
		Error:     message,
		Code:      kind,
		Timestamp: time.Now().UTC(),
	})
}

// abort writes an error envelope and stops the handler chain.
func abort(c *gin.Context, kind Kind, message string) {
	fail(c, kind, message)
	c.Abort()
}
