package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nrednav/cuid2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"securechat/chat"
	"securechat/storage"
)

// DefaultSweepInterval is how often expired messages are purged.
const DefaultSweepInterval = time.Second

// Publisher pushes stored changes to realtime subscribers.
type Publisher interface {
	PublishMessage(message storage.Message)
	PublishDeleted(key string, ids []string)
}

// ServerOptions configures the HTTP API.
type ServerOptions struct {
	Store     *storage.Store
	Publisher Publisher
	Logger    *zap.Logger
	// Registry receives the HTTP metrics; nil creates a private registry.
	Registry      *prometheus.Registry
	SweepInterval time.Duration
	HistoryLimit  int
	Now           func() time.Time
	NewID         func() string
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Registry == nil {
		o.Registry = prometheus.NewRegistry()
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = storage.DefaultHistoryLimit
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Server is the relay HTTP API: message send and history, deletions,
// read receipts and the peer roster.
type Server struct {
	echo      *echo.Echo
	store     *storage.Store
	publisher Publisher
	logger    *zap.Logger
	options   ServerOptions
}

// SendRequest is the body of POST /api/chat/send.
type SendRequest struct {
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`
	Ciphertext     []byte `json:"ciphertext"`
	SelfDestructMs int64  `json:"selfDestructMs"`
}

// SendResponse acknowledges a stored message.
type SendResponse struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// DeleteRequest is the body of POST /api/chat/delete.
type DeleteRequest struct {
	User1 string   `json:"user1"`
	User2 string   `json:"user2"`
	IDs   []string `json:"ids"`
}

// DeleteResponse lists ids that were actually removed.
type DeleteResponse struct {
	Deleted []string `json:"deleted"`
}

// ReadRequest is the body of POST /api/chat/read.
type ReadRequest struct {
	Reader string   `json:"reader"`
	Peer   string   `json:"peer"`
	IDs    []string `json:"ids"`
}

// ReadResponse lists ids that moved to read.
type ReadResponse struct {
	Read []string `json:"read"`
}

// PeerInfo is a roster entry.
type PeerInfo struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	PublicKey   string `json:"publicKey"`
}

// NewServer wires routes and middleware.
func NewServer(options ServerOptions) (*Server, error) {
	if options.Store == nil {
		return nil, errors.New("network: server needs a store")
	}
	opts := options.withDefaults()

	s := &Server{
		echo:      echo.New(),
		store:     opts.Store,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		options:   opts,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	s.echo.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "securechat",
		Registerer: opts.Registry,
	}))
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.logger.Debug("http request", fields...)
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())

	s.echo.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
		Gatherer: opts.Registry,
	}))

	api := s.echo.Group("/api/chat")
	api.POST("/send", s.handleSend)
	api.GET("/messages", s.handleMessages)
	api.POST("/delete", s.handleDelete)
	api.POST("/read", s.handleRead)

	s.echo.GET("/users", s.handleListUsers)
	s.echo.POST("/users", s.handleRegisterUser)

	return s, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve accepts HTTP connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.echo.Listener = listener
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// RunSweeper purges expired messages every SweepInterval until ctx is done.
func (s *Server) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(); err != nil {
				s.logger.Warn("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep deletes expired messages once and publishes the deletions. It
// returns the number of messages removed.
func (s *Server) Sweep() (int, error) {
	expired, err := s.store.DeleteExpired(s.options.Now().UnixMilli())
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(expired))
	for key := range expired {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	total := 0
	for _, key := range keys {
		total += len(expired[key])
		s.publishDeleted(key, expired[key])
	}
	if total > 0 {
		s.logger.Debug("expired messages purged", zap.Int("count", total))
	}
	return total, nil
}

func (s *Server) handleSend(c echo.Context) error {
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid send request")
	}
	if req.SelfDestructMs < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "selfDestructMs must not be negative")
	}

	saved, err := s.store.SaveMessage(storage.Message{
		ID:           s.options.NewID(),
		Sender:       strings.TrimSpace(req.Sender),
		Recipient:    strings.TrimSpace(req.Recipient),
		Ciphertext:   req.Ciphertext,
		SentAt:       s.options.Now().UnixMilli(),
		SelfDestruct: req.SelfDestructMs,
	})
	if err != nil {
		return s.storeError(err)
	}

	if s.publisher != nil {
		s.publisher.PublishMessage(saved)
	}
	return c.JSON(http.StatusOK, SendResponse{ID: saved.ID, Timestamp: saved.SentAt})
}

func (s *Server) handleMessages(c echo.Context) error {
	user1 := strings.TrimSpace(c.QueryParam("user1"))
	user2 := strings.TrimSpace(c.QueryParam("user2"))
	if user1 == "" || user2 == "" || user1 == user2 {
		return echo.NewHTTPError(http.StatusBadRequest, "user1 and user2 must name two identities")
	}

	key := chat.ConversationKey(user1, user2)
	messages, err := s.store.GetConversation(string(key), s.options.Now().UnixMilli(), s.options.HistoryLimit)
	if err != nil {
		return s.storeError(err)
	}

	frames := make([]MessageFrame, 0, len(messages))
	for _, message := range messages {
		frames = append(frames, NewMessageFrame(message))
	}
	return c.JSON(http.StatusOK, frames)
}

func (s *Server) handleDelete(c echo.Context) error {
	var req DeleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid delete request")
	}
	if req.User1 == "" || req.User2 == "" || req.User1 == req.User2 {
		return echo.NewHTTPError(http.StatusBadRequest, "user1 and user2 must name two identities")
	}

	key := string(chat.ConversationKey(req.User1, req.User2))
	deleted, err := s.store.DeleteMessages(key, req.IDs)
	if err != nil {
		return s.storeError(err)
	}
	s.publishDeleted(key, deleted)

	if deleted == nil {
		deleted = []string{}
	}
	return c.JSON(http.StatusOK, DeleteResponse{Deleted: deleted})
}

func (s *Server) handleRead(c echo.Context) error {
	var req ReadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid read request")
	}
	if req.Reader == "" || req.Peer == "" || req.Reader == req.Peer {
		return echo.NewHTTPError(http.StatusBadRequest, "reader and peer must name two identities")
	}

	key := string(chat.ConversationKey(req.Reader, req.Peer))
	changed, err := s.store.MarkRead(key, req.Reader, req.IDs)
	if err != nil {
		return s.storeError(err)
	}

	read := make([]string, 0, len(changed))
	for _, message := range changed {
		read = append(read, message.ID)
		if s.publisher != nil {
			s.publisher.PublishMessage(message)
		}
	}
	return c.JSON(http.StatusOK, ReadResponse{Read: read})
}

func (s *Server) handleListUsers(c echo.Context) error {
	peers, err := s.store.ListPeers()
	if err != nil {
		return s.storeError(err)
	}

	out := make([]PeerInfo, 0, len(peers))
	for _, peer := range peers {
		out = append(out, PeerInfo{
			Identity:    peer.Identity,
			DisplayName: peer.DisplayName,
			PublicKey:   peer.PublicKey,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleRegisterUser(c echo.Context) error {
	var req PeerInfo
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid peer")
	}

	if err := s.store.UpsertPeer(storage.Peer{
		Identity:    strings.TrimSpace(req.Identity),
		DisplayName: strings.TrimSpace(req.DisplayName),
		PublicKey:   strings.TrimSpace(req.PublicKey),
	}); err != nil {
		return s.storeError(err)
	}

	peer, err := s.store.GetPeer(strings.TrimSpace(req.Identity))
	if err != nil {
		return s.storeError(err)
	}
	return c.JSON(http.StatusOK, PeerInfo{
		Identity:    peer.Identity,
		DisplayName: peer.DisplayName,
		PublicKey:   peer.PublicKey,
	})
}

func (s *Server) publishDeleted(key string, ids []string) {
	if s.publisher == nil || len(ids) == 0 {
		return
	}
	s.publisher.PublishDeleted(key, ids)
}

func (s *Server) storeError(err error) error {
	switch {
	case errors.Is(err, storage.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		s.logger.Error("storage failure", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "storage failure").SetInternal(err)
	}
}
