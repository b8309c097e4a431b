package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"securechat/chat"
	"securechat/storage"
)

// HubOptions configures the realtime server.
type HubOptions struct {
	Connection ConnectionOptions
	// HelloTimeout bounds the wait for the first frame of a connection.
	HelloTimeout time.Duration
	Logger       *zap.Logger
}

func (o HubOptions) withDefaults() HubOptions {
	o.Connection = o.Connection.withDefaults()
	if o.HelloTimeout <= 0 {
		o.HelloTimeout = DefaultConnectionTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Hub accepts realtime connections and fans conversation events out to
// every connection joined to the conversation.
type Hub struct {
	listener net.Listener
	options  HubOptions
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	clients     map[*hubClient]struct{}
	subscribers map[chat.Key]map[*hubClient]struct{}

	// publishMu orders publishes against each other and against join replies.
	publishMu sync.Mutex

	closeOnce sync.Once
	wg        sync.WaitGroup
}

type hubClient struct {
	identity string
	conn     *Conn
	joined   map[chat.Key]struct{}
}

// ListenHub starts a TCP listener and the accept loop.
func ListenHub(address string, options HubOptions) (*Hub, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	hub := &Hub{
		listener:    listener,
		options:     opts,
		logger:      opts.Logger,
		ctx:         ctx,
		cancel:      cancel,
		clients:     make(map[*hubClient]struct{}),
		subscribers: make(map[chat.Key]map[*hubClient]struct{}),
	}

	hub.wg.Add(1)
	go hub.acceptLoop()
	return hub, nil
}

// Addr returns the listening address.
func (h *Hub) Addr() net.Addr {
	return h.listener.Addr()
}

// Connected returns how many clients completed hello.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns how many connections are joined to key.
func (h *Hub) Subscribers(key chat.Key) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[key])
}

// PublishMessage sends a message frame to the message's conversation.
func (h *Hub) PublishMessage(message storage.Message) {
	h.Publish(chat.Key(message.ConversationKey), NewMessageFrame(message))
}

// PublishDeleted sends a deleted frame to the conversation.
func (h *Hub) PublishDeleted(key string, ids []string) {
	if len(ids) == 0 {
		return
	}
	h.Publish(chat.Key(key), DeletedFrame{
		Type:            TypeDeleted,
		ConversationKey: key,
		IDs:             ids,
		Timestamp:       time.Now().UnixMilli(),
	})
}

// Publish writes frame to every connection joined to key and returns the
// number of connections reached. Publishes are delivered in call order.
func (h *Hub) Publish(key chat.Key, frame any) int {
	payload, err := EncodeJSON(frame)
	if err != nil {
		h.logger.Error("encode realtime frame", zap.Error(err))
		return 0
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.RLock()
	targets := make([]*hubClient, 0, len(h.subscribers[key]))
	for client := range h.subscribers[key] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range targets {
		if err := client.conn.SendRaw(payload); err != nil {
			h.logger.Debug("realtime write failed",
				zap.String("identity", client.identity),
				zap.String("conversation", string(key)),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Close stops accepting, disconnects every client and waits for handlers.
func (h *Hub) Close() error {
	var closeErr error
	h.closeOnce.Do(func() {
		h.cancel()
		closeErr = h.listener.Close()
		h.wg.Wait()
	})
	return closeErr
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if h.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Warn("accept realtime connection", zap.Error(err))
			continue
		}

		h.wg.Add(1)
		go h.handleConn(conn)
	}
}

func (h *Hub) handleConn(raw net.Conn) {
	defer h.wg.Done()

	stop := context.AfterFunc(h.ctx, func() {
		_ = raw.Close()
	})
	defer stop()

	hello, err := h.readHello(raw)
	if err != nil {
		h.logger.Debug("realtime hello rejected",
			zap.String("remote", raw.RemoteAddr().String()),
			zap.Error(err))
		_ = raw.Close()
		return
	}

	client := &hubClient{
		identity: hello.Identity,
		conn:     newConn(raw, h.options.Connection),
		joined:   make(map[chat.Key]struct{}),
	}
	if !h.register(client) {
		_ = client.conn.Close()
		return
	}
	defer func() {
		h.unregister(client)
		_ = client.conn.Close()
	}()

	logger := h.logger.With(zap.String("identity", client.identity))
	logger.Debug("realtime client connected", zap.String("remote", raw.RemoteAddr().String()))

	for {
		payload, err := client.conn.Receive(h.ctx)
		if err != nil {
			logger.Debug("realtime client disconnected", zap.Error(err))
			return
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			_ = client.conn.Send(errorFrame(CodeUnknownType, "%v", err))
			continue
		}

		switch msgType {
		case TypeJoin:
			join, err := decodeFrame[JoinMessage](payload)
			if err != nil || join.Peer == "" || join.Peer == client.identity {
				_ = client.conn.Send(errorFrame(CodeInvalidJoin, "join needs a peer other than %q", client.identity))
				continue
			}
			h.join(client, join.Peer)
			logger.Debug("joined conversation", zap.String("peer", join.Peer))
		case TypeLeave:
			leave, err := decodeFrame[LeaveMessage](payload)
			if err != nil {
				continue
			}
			h.leave(client, chat.ConversationKey(client.identity, leave.Peer))
		case TypeHello:
			// Repeated hello frames are ignored.
		default:
			_ = client.conn.Send(errorFrame(CodeUnknownType, "unexpected %q", msgType))
		}
	}
}

func (h *Hub) readHello(raw net.Conn) (HelloMessage, error) {
	payload, err := ReadFrameWithTimeout(raw, h.options.HelloTimeout)
	if err != nil {
		return HelloMessage{}, fmt.Errorf("read hello: %w", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return HelloMessage{}, err
	}
	if msgType != TypeHello {
		_ = writeMessage(raw, errorFrame(CodeHelloRequired, "expected %q, got %q", TypeHello, msgType))
		return HelloMessage{}, fmt.Errorf("expected %q, got %q", TypeHello, msgType)
	}

	hello, err := decodeFrame[HelloMessage](payload)
	if err != nil {
		return HelloMessage{}, err
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = writeMessage(raw, errorFrame(CodeUnsupportedVersion, "protocol version %d is not supported", hello.ProtocolVersion))
		return HelloMessage{}, ErrUnsupportedVersion
	}
	if hello.Identity == "" {
		_ = writeMessage(raw, errorFrame(CodeHelloRequired, "hello needs an identity"))
		return HelloMessage{}, errors.New("network: hello without identity")
	}
	return hello, nil
}

func (h *Hub) register(client *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.clients[client] = struct{}{}
	return true
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
	for key := range client.joined {
		h.removeSubscriberLocked(key, client)
	}
	client.joined = nil
}

// join subscribes and replies under publishMu so the joined frame precedes
// every event of the conversation on this connection.
func (h *Hub) join(client *hubClient, peer string) {
	key := chat.ConversationKey(client.identity, peer)

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.Lock()
	subscribers, ok := h.subscribers[key]
	if !ok {
		subscribers = make(map[*hubClient]struct{})
		h.subscribers[key] = subscribers
	}
	subscribers[client] = struct{}{}
	client.joined[key] = struct{}{}
	h.mu.Unlock()

	_ = client.conn.Send(JoinedMessage{
		Type:            TypeJoined,
		Peer:            peer,
		ConversationKey: string(key),
		Timestamp:       time.Now().UnixMilli(),
	})
}

func (h *Hub) leave(client *hubClient, key chat.Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.joined, key)
	h.removeSubscriberLocked(key, client)
}

func (h *Hub) removeSubscriberLocked(key chat.Key, client *hubClient) {
	subscribers := h.subscribers[key]
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.subscribers, key)
	}
}
