package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/rs/zerolog"
)

// Service is the server side of the chat and resource routes.
type Service interface {
	CreateChat(ctx context.Context, userID domain.UserID, name string, chatID domain.ChatID) (domain.ChatHead, error)
	DeleteChat(ctx context.Context, userID domain.UserID, chatID domain.ChatID) error
	ListChatHeads(ctx context.Context, userID domain.UserID) ([]domain.ChatHead, error)
	History(ctx context.Context, userID domain.UserID, chatID domain.ChatID) ([]domain.ChatMessage, error)
	ListResources(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID) ([]domain.Resource, error)
	AddResource(ctx context.Context, userID domain.UserID, chatID domain.ChatID, res domain.Resource) (domain.Resource, error)
	DeleteResource(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID) error
	SetPersist(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID, persist bool) error
	SetFileStatus(ctx context.Context, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID, status domain.ResourceStatus, reason string) (domain.Resource, error)
}

type ServerOptions struct {
	Logger zerolog.Logger
	// WebSocket and Metrics are mounted beside the routes when set.
	WebSocket http.Handler
	Metrics   http.Handler
}

type Server struct {
	svc  Service
	log  zerolog.Logger
	echo *echo.Echo
	mux  *http.ServeMux
}

func NewServer(svc Service, opts ServerOptions) *Server {
	e := echo.New()
	e.Use(middleware.Recover())

	s := &Server{svc: svc, log: opts.Logger, echo: e, mux: http.NewServeMux()}
	s.routes()

	if opts.WebSocket != nil {
		s.mux.Handle("/ws", opts.WebSocket)
	}
	if opts.Metrics != nil {
		s.mux.Handle("/metrics", opts.Metrics)
	}
	s.mux.Handle("/", e)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.echo.GET("/healthz", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, result{Success: true})
	})

	chats := s.echo.Group("/chats")
	chats.POST("/:userId", s.createChat)
	chats.GET("/:userId", s.listChats)
	chats.GET("/:userId/:chatId", s.history)
	chats.DELETE("/:userId/:chatId", s.deleteChat)

	s.resourceRoutes("/memories", domain.ResourceMemory, "memId")
	files := s.resourceRoutes("/files", domain.ResourceFile, "fileId")
	files.PUT("/:userId/:chatId/:fileId/status", s.setFileStatus)
}

func (s *Server) resourceRoutes(prefix string, kind domain.ResourceKind, idParam string) *echo.Group {
	g := s.echo.Group(prefix)
	g.GET("/:userId/:chatId", s.listResources(kind))
	g.POST("/:userId/:chatId", s.addResource(kind))
	g.DELETE("/:userId/:chatId/:"+idParam, s.deleteResource(kind, idParam))
	g.PUT("/:userId/:chatId/:"+idParam+"/persist", s.setPersist(kind, idParam))
	return g
}

func userID(c *echo.Context) domain.UserID { return domain.UserID(c.Param("userId")) }
func chatID(c *echo.Context) domain.ChatID { return domain.ChatID(c.Param("chatId")) }

func (s *Server) createChat(c *echo.Context) error {
	var req createChatRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
	}

	head, err := s.svc.CreateChat(c.Request().Context(), userID(c), req.Name, domain.ChatID(req.ChatID))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, createChatResponse{result: result{Success: true}, ChatID: string(head.ChatID)})
}

func (s *Server) listChats(c *echo.Context) error {
	heads, err := s.svc.ListChatHeads(c.Request().Context(), userID(c))
	if err != nil {
		return s.fail(c, err)
	}
	resp := make([]chatHead, 0, len(heads))
	for _, head := range heads {
		resp = append(resp, toChatHead(head))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) history(c *echo.Context) error {
	msgs, err := s.svc.History(c.Request().Context(), userID(c), chatID(c))
	if err != nil {
		return s.fail(c, err)
	}
	resp := make([]message, 0, len(msgs))
	for _, msg := range msgs {
		resp = append(resp, toMessage(msg))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) deleteChat(c *echo.Context) error {
	if err := s.svc.DeleteChat(c.Request().Context(), userID(c), chatID(c)); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result{Success: true})
}

func (s *Server) listResources(kind domain.ResourceKind) echo.HandlerFunc {
	return func(c *echo.Context) error {
		items, err := s.svc.ListResources(c.Request().Context(), kind, userID(c), chatID(c))
		if err != nil {
			return s.fail(c, err)
		}
		resp := make([]resource, 0, len(items))
		for _, item := range items {
			resp = append(resp, toResource(item))
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) addResource(kind domain.ResourceKind) echo.HandlerFunc {
	return func(c *echo.Context) error {
		var req addResourceRequest
		if err := c.Bind(&req); err != nil {
			return s.fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		}

		created, err := s.svc.AddResource(c.Request().Context(), userID(c), chatID(c), domain.Resource{
			ID:      domain.ResourceID(req.ID),
			Kind:    kind,
			Name:    req.Name,
			Content: req.Content,
			Persist: req.Persist,
		})
		if err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusCreated, resourceResponse{result: result{Success: true}, Resource: toResource(created)})
	}
}

func (s *Server) deleteResource(kind domain.ResourceKind, idParam string) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := domain.ResourceID(c.Param(idParam))
		if err := s.svc.DeleteResource(c.Request().Context(), kind, userID(c), chatID(c), id); err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusOK, result{Success: true})
	}
}

func (s *Server) setPersist(kind domain.ResourceKind, idParam string) echo.HandlerFunc {
	return func(c *echo.Context) error {
		var req persistRequest
		if err := c.Bind(&req); err != nil {
			return s.fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		}
		if req.Persist == nil {
			return s.fail(c, fmt.Errorf("%w: persist is required", domain.ErrInvalidArgument))
		}

		id := domain.ResourceID(c.Param(idParam))
		if err := s.svc.SetPersist(c.Request().Context(), kind, userID(c), chatID(c), id, *req.Persist); err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusOK, result{Success: true})
	}
}

func (s *Server) setFileStatus(c *echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
	}
	status, err := domain.ParseResourceStatus(req.Status)
	if err != nil {
		return s.fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
	}

	res, err := s.svc.SetFileStatus(c.Request().Context(), userID(c), chatID(c), domain.ResourceID(c.Param("fileId")), status, req.Error)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resourceResponse{result: result{Success: true}, Resource: toResource(res)})
}

func (s *Server) fail(c *echo.Context, err error) error {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}
	return c.JSON(code, result{Error: err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrChatNotFound), errors.Is(err, domain.ErrResourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrChatExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotReady), errors.Is(err, domain.ErrUnusable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
