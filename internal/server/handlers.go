package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"chat-gateway/internal/chat"
	"chat-gateway/internal/conversation"
	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
	"chat-gateway/internal/router"
	"chat-gateway/internal/translator"
)

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"name":    s.cfg.App.Name,
		"version": s.cfg.App.Version,
		"message": s.cfg.App.Name + " is running",
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": len(s.deps.Manager.Names()),
		"default":   s.deps.Manager.Default(),
	})
}

func (s *Server) handleRoles(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"roles": s.deps.Chat.Roles()})
}

type providersView struct {
	Default string                   `json:"default"`
	Status  map[string]router.Status `json:"status"`
	Models  map[string][]string      `json:"models"`
	Catalog []provider.Info          `json:"catalog,omitempty"`
}

func (s *Server) handleProviders(c echo.Context) error {
	view := providersView{
		Default: s.deps.Manager.Default(),
		Status:  s.deps.Manager.Status(),
		Models:  s.deps.Manager.Models(),
	}
	if s.deps.Registry != nil {
		for _, key := range s.deps.Registry.Available() {
			info, err := s.deps.Registry.Info(key)
			if err != nil {
				continue
			}
			view.Catalog = append(view.Catalog, info)
		}
	}
	return c.JSON(http.StatusOK, view)
}

func requireParam(c echo.Context, name string) (string, error) {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return "", badRequest(name + " is required")
	}
	return v, nil
}

func (s *Server) handleStartChat(c echo.Context) error {
	userID, err := requireParam(c, "user_id")
	if err != nil {
		return err
	}

	started, err := s.deps.Chat.StartSession(c.Request().Context(), userID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"session_id":      started.SessionID,
		"message":         "chat session created",
		"welcome_message": started.WelcomeMessage,
	})
}

// chatPayload is the JSON body of POST /chat. Image carries base64 data or
// a data URI.
type chatPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Role      string `json:"role"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Image     string `json:"image"`
}

func (s *Server) handleChat(c echo.Context) error {
	var (
		req chat.Request
		err error
	)
	if isMultipart(c) {
		req, err = s.formRequest(c)
	} else {
		req, err = s.jsonRequest(c)
	}
	if err != nil {
		return err
	}

	reply, err := s.deps.Chat.Send(c.Request().Context(), req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, reply)
}

func (s *Server) jsonRequest(c echo.Context) (chat.Request, error) {
	var payload chatPayload
	if err := decodeRequestBodyLimit(c, &payload, s.uploadLimit()); err != nil {
		return chat.Request{}, err
	}

	req := chat.Request{
		UserID:    strings.TrimSpace(payload.UserID),
		SessionID: strings.TrimSpace(payload.SessionID),
		Message:   payload.Message,
		Role:      payload.Role,
		Provider:  payload.Provider,
		Model:     payload.Model,
	}
	if req.UserID == "" {
		return chat.Request{}, badRequest("user_id is required")
	}

	if payload.Image != "" {
		data := payload.Image
		if _, after, ok := strings.Cut(data, ";base64,"); ok && strings.HasPrefix(data, "data:") {
			data = after
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return chat.Request{}, badRequest("image must be base64 encoded")
		}
		img, err := s.deps.Chat.DecodeImage(raw)
		if err != nil {
			return chat.Request{}, toHTTPError(err)
		}
		req.Image = img
	}
	return req, nil
}

func (s *Server) formRequest(c echo.Context) (chat.Request, error) {
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, s.uploadLimit())

	if _, err := c.MultipartForm(); err != nil {
		return chat.Request{}, badRequest("invalid multipart form: " + err.Error())
	}

	req := chat.Request{
		UserID:    strings.TrimSpace(c.FormValue("user_id")),
		SessionID: strings.TrimSpace(c.FormValue("session_id")),
		Message:   c.FormValue("message"),
		Role:      c.FormValue("role"),
		Provider:  c.FormValue("provider"),
		Model:     c.FormValue("model"),
	}
	if req.UserID == "" {
		return chat.Request{}, badRequest("user_id is required")
	}

	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return chat.Request{}, badRequest("invalid image upload: " + err.Error())
	}

	f, err := fh.Open()
	if err != nil {
		return chat.Request{}, badRequest("invalid image upload: " + err.Error())
	}
	defer f.Close()

	img, err := s.deps.Chat.ReadImage(f)
	if err != nil {
		return chat.Request{}, toHTTPError(err)
	}
	req.Image = img
	return req, nil
}

func (s *Server) uploadLimit() int64 {
	// base64 inflates JSON uploads by a third
	return s.cfg.Chat.MaxImageBytes*4/3 + maxBodyBytes
}

func isMultipart(c echo.Context) bool {
	return strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm)
}

func (s *Server) handleStreamQuery(c echo.Context) error {
	userID, err := requireParam(c, "user_id")
	if err != nil {
		return err
	}
	sessionID, err := requireParam(c, "session_id")
	if err != nil {
		return err
	}

	return s.stream(c, chat.Request{
		UserID:    userID,
		SessionID: sessionID,
		Message:   c.QueryParam("message"),
		Role:      c.QueryParam("role"),
		Provider:  c.QueryParam("provider"),
		Model:     c.QueryParam("model"),
	})
}

func (s *Server) handleStreamForm(c echo.Context) error {
	var (
		req chat.Request
		err error
	)
	if isMultipart(c) {
		req, err = s.formRequest(c)
	} else {
		req, err = s.jsonRequest(c)
	}
	if err != nil {
		return err
	}
	return s.stream(c, req)
}

func (s *Server) stream(c echo.Context, req chat.Request) error {
	seq, err := s.deps.Chat.Stream(c.Request().Context(), req)
	if err != nil {
		return toHTTPError(err)
	}
	return writeStream(c, seq)
}

func (s *Server) handleHistory(c echo.Context) error {
	userID, err := requireParam(c, "user_id")
	if err != nil {
		return err
	}
	sessionID, err := requireParam(c, "session_id")
	if err != nil {
		return err
	}

	history, err := s.deps.Chat.History(c.Request().Context(), userID, sessionID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   history,
		"total":      len(history),
	})
}

type sessionView struct {
	conversation.Session
	LastTime string `json:"last_time"`
}

func (s *Server) handleSessions(c echo.Context) error {
	userID, err := requireParam(c, "user_id")
	if err != nil {
		return err
	}

	sessions, err := s.deps.Chat.Sessions(c.Request().Context(), userID)
	if err != nil {
		return toHTTPError(err)
	}

	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, sessionView{Session: session, LastTime: session.LastTime()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"user_id":  userID,
		"sessions": views,
		"total":    len(views),
	})
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	userID, err := requireParam(c, "user_id")
	if err != nil {
		return err
	}

	if err := s.deps.Chat.DeleteSession(c.Request().Context(), userID, c.Param("session_id")); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "session deleted"})
}

type imageRequest struct {
	Provider string `json:"provider"`
	models.ImageGenerationRequest
}

func (s *Server) handleImageGenerations(c echo.Context) error {
	var req imageRequest
	if err := decodeRequestBodyLimit(c, &req, s.uploadLimit()); err != nil {
		return err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return badRequest("prompt is required")
	}

	resp, err := s.deps.Manager.GenerateImage(c.Request().Context(), req.Provider, req.ImageGenerationRequest)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBodyLimit(c, &req, s.uploadLimit()); err != nil {
		return err
	}
	if req.Stream {
		return badRequest("stream is not supported on this endpoint, use /chat/stream")
	}

	routed := req.ToRouted()
	resp, err := s.deps.Manager.GenerateWithFallback(c.Request().Context(), routed.Messages, routed.Provider, routed.Params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.JSON(http.StatusOK, translator.FromResponse("chatcmpl-"+uuid.NewString(), time.Now().Unix(), resp))
}
