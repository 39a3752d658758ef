package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/council/internal/attachment"
	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/mohammad-safakhou/council/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var conversationsTracer = otel.Tracer("council/server/conversations")

const notFoundMessage = "Conversation not found"

// Conversations is the storage the conversation endpoints need.
type Conversations interface {
	CreateConversation(ctx context.Context) (store.Conversation, error)
	ListConversations(ctx context.Context) ([]store.ConversationSummary, error)
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	AppendUserMessage(ctx context.Context, conversationID, content string, files []attachment.Attachment) error
}

// Runner executes council runs.
type Runner interface {
	Stream(ctx context.Context, req council.Request) <-chan council.Event
	Run(ctx context.Context, req council.Request) (council.AssistantMessage, error)
}

type ConversationsHandler struct {
	Store          Conversations
	Council        Runner
	MaxUploadBytes int64
	Heartbeat      time.Duration

	metrics *streamMetrics
	logger  *log.Logger
}

func (h *ConversationsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.delete)
	g.POST("/:id/message", h.sendMessage)
	g.POST("/:id/message/stream", h.streamMessage)
}

func (h *ConversationsHandler) list(c echo.Context) error {
	items, err := h.Store.ListConversations(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ConversationsHandler) create(c echo.Context) error {
	conv, err := h.Store.CreateConversation(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *ConversationsHandler) get(c echo.Context) error {
	conv, err := h.Store.GetConversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *ConversationsHandler) delete(c echo.Context) error {
	id := c.Param("id")
	if err := h.Store.DeleteConversation(c.Request().Context(), id); err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted", "conversation_id": id})
}

// messageInput is a user turn as submitted by either message endpoint.
type messageInput struct {
	Content  string
	Agents   []string
	Chairman string
	Files    []attachment.Attachment
}

// readMessage accepts a multipart form (content, files, selected_agents as
// a JSON array, chairman_model) or the equivalent JSON body. An unparsable
// agent selection falls back to the configured council.
func (h *ConversationsHandler) readMessage(c echo.Context) (messageInput, error) {
	var in messageInput
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return in, fmt.Errorf("invalid form: %w", err)
		}
		in.Content = first(form.Value["content"])
		in.Chairman = strings.TrimSpace(first(form.Value["chairman_model"]))
		if raw := strings.TrimSpace(first(form.Value["selected_agents"])); raw != "" {
			if err := json.Unmarshal([]byte(raw), &in.Agents); err != nil {
				h.logger.Printf("ignoring selected_agents %q: %v", raw, err)
				in.Agents = nil
			}
		}
		for _, fh := range form.File["files"] {
			a, err := attachment.FromUpload(fh, h.MaxUploadBytes)
			if err != nil {
				return in, err
			}
			in.Files = append(in.Files, a)
		}
	} else {
		var body struct {
			Content        string   `json:"content"`
			SelectedAgents []string `json:"selected_agents"`
			ChairmanModel  string   `json:"chairman_model"`
		}
		if err := c.Bind(&body); err != nil {
			return in, fmt.Errorf("invalid body: %w", err)
		}
		in.Content = body.Content
		in.Agents = body.SelectedAgents
		in.Chairman = strings.TrimSpace(body.ChairmanModel)
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Files) == 0 {
		return in, errors.New("content required")
	}
	return in, nil
}

// prepare validates the conversation and the input, stores the user turn
// and returns the run request for it.
func (h *ConversationsHandler) prepare(c echo.Context) (council.Request, error) {
	ctx := c.Request().Context()
	id := c.Param("id")
	conv, err := h.Store.GetConversation(ctx, id)
	if err != nil {
		return council.Request{}, storeError(err)
	}
	in, err := h.readMessage(c)
	if err != nil {
		return council.Request{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Store.AppendUserMessage(ctx, id, in.Content, in.Files); err != nil {
		return council.Request{}, storeError(err)
	}
	req := council.Request{
		ConversationID: id,
		Query:          attachment.AugmentQuery(in.Content, in.Files),
		Agents:         in.Agents,
		Chairman:       in.Chairman,
		Flag:           council.NewFlag(),
		Probe:          connected(ctx),
	}
	if len(conv.Messages) == 0 {
		req.TitleFrom = in.Content
	}
	return req, nil
}

// sendMessage runs the whole council before answering.
func (h *ConversationsHandler) sendMessage(c echo.Context) error {
	ctx, span := conversationsTracer.Start(c.Request().Context(), "ConversationsHandler.sendMessage")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	req, err := h.prepare(c)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("conversation.id", req.ConversationID))
	msg, err := h.Council.Run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, council.ErrCancelled) {
			return echo.NewHTTPError(http.StatusRequestTimeout, "Request cancelled by user")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, msg)
}

// streamMessage runs the council and relays its events as server sent
// events until the terminal event.
func (h *ConversationsHandler) streamMessage(c echo.Context) error {
	ctx, span := conversationsTracer.Start(c.Request().Context(), "ConversationsHandler.streamMessage")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	req, err := h.prepare(c)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("conversation.id", req.ConversationID))
	w, err := newSSEWriter(c.Response(), h.metrics, h.logger)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	w.pump(h.Council.Stream(ctx, req), req.Flag, h.Heartbeat)
	return nil
}

// connected probes the request context: a client that went away cancels it.
func connected(ctx context.Context) council.Probe {
	return func(context.Context) bool { return ctx.Err() == nil }
}

func storeError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, notFoundMessage)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}
