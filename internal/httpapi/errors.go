package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/genchain/pkg/schema"
)

type errorResponse struct {
	Error *schema.GenchainError `json:"error"`
}

func statusFor(err *schema.GenchainError) int {
	switch err.Code {
	case schema.ErrCodeValidation, schema.ErrCodeInterpolation, schema.ErrCodeExpression, schema.ErrCodeSanitize:
		return http.StatusBadRequest
	case schema.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case schema.ErrCodeInsufficientTokens:
		return http.StatusPaymentRequired
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeCancelled:
		return http.StatusConflict
	case schema.ErrCodeDispatch, schema.ErrCodeProvider, schema.ErrCodeCircuitOpen:
		return http.StatusBadGateway
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// asGenchain returns err as a GenchainError, wrapping foreign errors as
// STORE_ERROR.
func asGenchain(err error) *schema.GenchainError {
	var ge *schema.GenchainError
	if errors.As(err, &ge) {
		return ge
	}
	return schema.NewError(schema.ErrCodeStore, err.Error()).WithCause(err)
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		code := schema.ErrCodeValidation
		switch he.Code {
		case http.StatusNotFound:
			code = schema.ErrCodeNotFound
		case http.StatusMethodNotAllowed:
			code = schema.ErrCodeInvalidTransition
		case http.StatusInternalServerError:
			code = schema.ErrCodeStore
		}
		_ = c.JSON(he.Code, errorResponse{Error: schema.NewError(code, msg)})
		return
	}
	ge := asGenchain(err)
	status := statusFor(ge)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request().Context(), "request failed", "code", ge.Code, "error", err)
	}
	_ = c.JSON(status, errorResponse{Error: ge})
}
