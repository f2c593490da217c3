package server

import (
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// writeStream relays pre-rendered SSE fragments, flushing after each one.
// A failed write means the client is gone; ranging stops so the upstream
// call is released.
func writeStream(c echo.Context, seq iter.Seq[string]) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	for fragment := range seq {
		if _, err := io.WriteString(c.Response(), fragment); err != nil {
			slog.Debug("stream client went away", "err", err)
			break
		}
		flusher.Flush()
	}
	return nil
}
