package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"securechat/chat"
)

var (
	_ chat.Transport       = (*Client)(nil)
	_ chat.RealtimeChannel = (*Client)(nil)
	_ chat.Roster          = (*Client)(nil)
	_ chat.Deleter         = (*Client)(nil)
	_ chat.ReadMarker      = (*Client)(nil)
)

// ClientOptions configures a relay client.
type ClientOptions struct {
	// BaseURL is the HTTP API root, for example http://127.0.0.1:8080.
	BaseURL string
	// RealtimeAddress is the Hub host:port.
	RealtimeAddress string
	HTTPClient      *http.Client
	Connection      ConnectionOptions
	DialTimeout     time.Duration
	Logger          *zap.Logger
}

// Client talks to a relay: HTTP for send, history, deletions, read receipts
// and the roster, and a framed TCP connection per joined conversation.
type Client struct {
	baseURL  *url.URL
	realtime string
	http     *http.Client
	options  ClientOptions
	logger   *zap.Logger
}

// HTTPError is a non-2xx API response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// NewClient validates options and builds a client.
func NewClient(options ClientOptions) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(options.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("network: invalid base url %q", options.BaseURL)
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Timeout: DefaultConnectionTimeout}
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultConnectionTimeout
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	options.Connection = options.Connection.withDefaults()

	return &Client{
		baseURL:  base,
		realtime: options.RealtimeAddress,
		http:     options.HTTPClient,
		options:  options,
		logger:   options.Logger,
	}, nil
}

// Send posts ciphertext and returns the server id.
func (c *Client) Send(ctx context.Context, out chat.Outbound) (chat.Receipt, error) {
	var resp SendResponse
	err := c.do(ctx, http.MethodPost, "/api/chat/send", nil, SendRequest{
		Sender:         out.Sender,
		Recipient:      out.Recipient,
		Ciphertext:     out.Ciphertext,
		SelfDestructMs: out.SelfDestruct.Milliseconds(),
	}, &resp)
	if err != nil {
		return chat.Receipt{}, err
	}
	if resp.ID == "" {
		return chat.Receipt{}, errors.New("network: send response without id")
	}
	return chat.Receipt{ID: resp.ID, SentAt: time.UnixMilli(resp.Timestamp)}, nil
}

// FetchHistory returns the conversation between sender and recipient in
// chronological order.
func (c *Client) FetchHistory(ctx context.Context, sender, recipient string) ([]chat.Message, error) {
	query := url.Values{}
	query.Set("user1", sender)
	query.Set("user2", recipient)

	var frames []MessageFrame
	if err := c.do(ctx, http.MethodGet, "/api/chat/messages", query, nil, &frames); err != nil {
		return nil, err
	}

	history := make([]chat.Message, 0, len(frames))
	for _, frame := range frames {
		history = append(history, frame.Message())
	}
	return history, nil
}

// Delete asks the relay to remove ids from the conversation.
func (c *Client) Delete(ctx context.Context, self, peer string, ids []string) error {
	return c.do(ctx, http.MethodPost, "/api/chat/delete", nil, DeleteRequest{
		User1: self,
		User2: peer,
		IDs:   ids,
	}, &DeleteResponse{})
}

// MarkRead publishes read receipts for ids addressed to reader.
func (c *Client) MarkRead(ctx context.Context, reader, peer string, ids []string) error {
	return c.do(ctx, http.MethodPost, "/api/chat/read", nil, ReadRequest{
		Reader: reader,
		Peer:   peer,
		IDs:    ids,
	}, &ReadResponse{})
}

// ListPeers returns the registered peers.
func (c *Client) ListPeers(ctx context.Context) ([]chat.Peer, error) {
	var infos []PeerInfo
	if err := c.do(ctx, http.MethodGet, "/users", nil, nil, &infos); err != nil {
		return nil, err
	}

	peers := make([]chat.Peer, 0, len(infos))
	for _, info := range infos {
		peers = append(peers, chat.Peer{
			Identity:    info.Identity,
			DisplayName: info.DisplayName,
			PublicKey:   info.PublicKey,
		})
	}
	return peers, nil
}

// Register adds or refreshes the local identity in the roster.
func (c *Client) Register(ctx context.Context, peer chat.Peer) error {
	return c.do(ctx, http.MethodPost, "/users", nil, PeerInfo{
		Identity:    peer.Identity,
		DisplayName: peer.DisplayName,
		PublicKey:   peer.PublicKey,
	}, &PeerInfo{})
}

// Join dials the hub, introduces self and subscribes to the conversation
// with peer.
func (c *Client) Join(ctx context.Context, self, peer string) (chat.Subscription, error) {
	if c.realtime == "" {
		return nil, errors.New("network: realtime address is not configured")
	}

	dialer := net.Dialer{Timeout: c.options.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", c.realtime)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", c.realtime, err)
	}

	if err := writeMessage(raw, HelloMessage{
		Type:            TypeHello,
		Identity:        self,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	conn := newConn(raw, c.options.Connection)
	if err := conn.Send(JoinMessage{Type: TypeJoin, Peer: peer, Timestamp: time.Now().UnixMilli()}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	joinCtx, cancel := context.WithTimeout(ctx, c.options.DialTimeout)
	defer cancel()
	if err := awaitJoined(joinCtx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &subscription{
		conn:   conn,
		key:    chat.ConversationKey(self, peer),
		logger: c.logger.With(zap.String("peer", peer)),
	}, nil
}

func awaitJoined(ctx context.Context, conn *Conn) error {
	for {
		payload, err := conn.Receive(ctx)
		if err != nil {
			return fmt.Errorf("await joined: %w", err)
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			return err
		}
		switch msgType {
		case TypeJoined:
			return nil
		case TypeError:
			remote, err := decodeFrame[ErrorMessage](payload)
			if err != nil {
				return err
			}
			return remote
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL.JoinPath(path)
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// subscription is one joined conversation on its own connection.
type subscription struct {
	conn   *Conn
	key    chat.Key
	logger *zap.Logger
}

// Next returns the next message or deleted event of the conversation.
func (s *subscription) Next(ctx context.Context) (chat.Event, error) {
	for {
		payload, err := s.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return chat.Event{}, err
			}
			return chat.Event{}, fmt.Errorf("realtime connection lost: %w", err)
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			s.logger.Debug("undecodable realtime frame", zap.Error(err))
			continue
		}

		switch msgType {
		case TypeMessage:
			frame, err := decodeFrame[MessageFrame](payload)
			if err != nil {
				s.logger.Debug("bad message frame", zap.Error(err))
				continue
			}
			if chat.ConversationKey(frame.Sender, frame.Recipient) != s.key {
				continue
			}
			return chat.Event{Kind: chat.EventMessage, Message: frame.Confirmation()}, nil
		case TypeDeleted:
			frame, err := decodeFrame[DeletedFrame](payload)
			if err != nil {
				s.logger.Debug("bad deleted frame", zap.Error(err))
				continue
			}
			if chat.Key(frame.ConversationKey) != s.key {
				continue
			}
			return chat.Event{Kind: chat.EventDeleted, DeletedIDs: frame.IDs}, nil
		case TypeError:
			if remote, err := decodeFrame[ErrorMessage](payload); err == nil {
				s.logger.Warn("realtime error frame", zap.String("code", remote.Code), zap.String("message", remote.Message))
			}
		}
	}
}

// Close drops the connection; it is safe to call more than once.
func (s *subscription) Close() error {
	return s.conn.Close()
}
