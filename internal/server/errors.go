package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"chat-gateway/internal/chat"
	"chat-gateway/internal/conversation"
	"chat-gateway/internal/provider"
	"chat-gateway/internal/provider/openai"
	"chat-gateway/internal/router"
	"chat-gateway/internal/translator"
)

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

func badRequest(message string) requestError {
	return requestError{Status: http.StatusBadRequest, Message: message, Type: "invalid_request_error"}
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		errType := "invalid_request_error"
		if he.Code == http.StatusNotFound {
			errType = "not_found_error"
		}
		_ = writeError(c, he.Code, msg, errType, "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

// toHTTPError classifies domain errors into HTTP statuses.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var apiErr *openai.APIError
	switch {
	case errors.Is(err, translator.ErrInvalidRequest),
		errors.Is(err, chat.ErrUnknownRole),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidImage),
		errors.Is(err, openai.ErrInvalidImageRequest),
		errors.Is(err, provider.ErrProviderNotFound),
		errors.Is(err, provider.ErrUnsupportedOperation):
		return badRequest(err.Error())
	case errors.Is(err, conversation.ErrSessionNotFound):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "not_found_error"}
	case errors.Is(err, router.ErrNoProviderAvailable):
		return requestError{Status: http.StatusServiceUnavailable, Message: err.Error(), Type: "service_unavailable"}
	case errors.Is(err, router.ErrAllProvidersFailed):
		return requestError{Status: http.StatusBadGateway, Message: err.Error(), Type: "upstream_error"}
	case errors.As(err, &apiErr):
		return requestError{Status: http.StatusBadGateway, Message: apiErr.Error(), Type: "upstream_error", Code: apiErr.Type}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}
