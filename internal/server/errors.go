package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/roach88/cairn/internal/ir"
)

// Codes the transport adds to the engine's error codes.
const (
	codeUnauthenticated ir.ErrorCode = "UNAUTHENTICATED"
	codeNotFound        ir.ErrorCode = "NOT_FOUND"
	codeBadRequest      ir.ErrorCode = "BAD_REQUEST"
	codeInternal        ir.ErrorCode = "INTERNAL"
)

type errorEnvelope struct {
	Error *ir.Error `json:"error"`
}

// statusOf maps an engine error to its HTTP status.
func statusOf(err error) int {
	if errors.Is(err, ir.ErrNotFound) {
		return http.StatusNotFound
	}
	switch ir.CodeOf(err) {
	case ir.ErrCodeVersionConflict:
		return http.StatusConflict
	case ir.ErrCodePolicyDenied:
		return http.StatusForbidden
	case ir.ErrCodeValidation:
		return http.StatusUnprocessableEntity
	case ir.ErrCodeIntegrityFault:
		return http.StatusLocked
	case ir.ErrCodeTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Internal details of unexpected errors stay in the
// log.
func writeError(c echo.Context, err error) error {
	status := statusOf(err)
	var body *ir.Error
	var typed *ir.Error
	switch {
	case status == http.StatusNotFound:
		body = &ir.Error{Code: codeNotFound, Message: "not found"}
	case errors.As(err, &typed):
		body = &ir.Error{
			Code:        typed.Code,
			Message:     typed.Message,
			AggregateID: typed.AggregateID,
			EventID:     typed.EventID,
			Expected:    typed.Expected,
			Current:     typed.Current,
		}
	default:
		slog.Error("request error", "path", c.Path(), "error", err)
		body = &ir.Error{Code: codeInternal, Message: "internal server error"}
	}
	return c.JSON(status, errorEnvelope{Error: body})
}

func unauthenticated(c echo.Context, err error) error {
	return c.JSON(http.StatusUnauthorized, errorEnvelope{Error: &ir.Error{
		Code:    codeUnauthenticated,
		Message: err.Error(),
	}})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorEnvelope{Error: &ir.Error{
		Code:    codeBadRequest,
		Message: msg,
	}})
}

// handleHTTPError renders echo's own errors (unknown routes, bad methods) in
// the same envelope.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		code := codeBadRequest
		if he.Code == http.StatusNotFound {
			code = codeNotFound
		}
		if werr := c.JSON(he.Code, errorEnvelope{Error: &ir.Error{Code: code, Message: msg}}); werr != nil {
			slog.Warn("write error response", "error", werr)
		}
		return
	}
	if werr := writeError(c, err); werr != nil {
		slog.Warn("write error response", "error", werr)
	}
}
