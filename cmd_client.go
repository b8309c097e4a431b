package main

import (
	"bufio"
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"securechat/chat"
	"securechat/config"
	"securechat/crypto"
	"securechat/discovery"
	"securechat/network"
)

// relayResolver locates a relay on the local network.
type relayResolver func(ctx context.Context) (discovery.Relay, error)

func resolveRelay(ctx context.Context) (discovery.Relay, error) {
	return discovery.Resolve(ctx, discovery.Config{})
}

// relayEndpoints returns the HTTP base URL and realtime address to use,
// filling whichever is unset from mDNS unless discovery is disabled.
func relayEndpoints(ctx context.Context, cfg *config.Config, resolve relayResolver) (string, string, error) {
	baseURL, realtime := cfg.ServerURL, cfg.RealtimeAddress
	if baseURL != "" && realtime != "" {
		return baseURL, realtime, nil
	}
	if cfg.DisableDiscovery || resolve == nil {
		return "", "", fmt.Errorf("%w: server_url and realtime_address are required when discovery is disabled", config.ErrInvalid)
	}

	relay, err := resolve(ctx)
	if err != nil {
		return "", "", fmt.Errorf("locate relay: %w", err)
	}
	if baseURL == "" {
		baseURL = relay.BaseURL()
	}
	if realtime == "" {
		realtime = relay.RealtimeAddress()
	}
	return baseURL, realtime, nil
}

// participant is the local side of a client command: relay client plus keys.
type participant struct {
	client *network.Client
	key    *ecdh.PrivateKey
}

func (a *app) connect(ctx context.Context) (*participant, error) {
	key, err := crypto.EnsureX25519PrivateKey(a.cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	baseURL, realtime, err := relayEndpoints(ctx, a.cfg, a.resolve)
	if err != nil {
		return nil, err
	}
	client, err := network.NewClient(network.ClientOptions{
		BaseURL:         baseURL,
		RealtimeAddress: realtime,
		Logger:          a.logger.Named("client"),
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debug("relay selected", zap.String("http", baseURL), zap.String("realtime", realtime))

	// Registration keeps our public key current so peers can derive the
	// conversation key.
	if err := client.Register(ctx, chat.Peer{
		Identity:    a.cfg.Identity,
		DisplayName: a.cfg.DisplayName,
		PublicKey:   crypto.EncodePublicKey(key.PublicKey()),
	}); err != nil {
		return nil, fmt.Errorf("register with relay: %w", err)
	}
	return &participant{client: client, key: key}, nil
}

func (p *participant) box(ctx context.Context, self, peer string) (*crypto.Box, error) {
	peers, err := p.client.ListPeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	for _, candidate := range peers {
		if candidate.Identity != peer {
			continue
		}
		if candidate.PublicKey == "" {
			return nil, fmt.Errorf("peer %q has not published a key", peer)
		}
		remote, err := crypto.ParsePublicKey(candidate.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("peer %q key: %w", peer, err)
		}
		return crypto.NewBox(p.key, self, remote, peer)
	}
	return nil, fmt.Errorf("peer %q is not registered with the relay", peer)
}

func newRelaysCommand(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "relays",
		Short: "Browse the local network for relays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			relays, err := discovery.Browse(cmd.Context(), discovery.Config{ScanTimeout: timeout})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tHTTP\tREALTIME")
			for _, relay := range relays {
				fmt.Fprintf(w, "%s\t%s\t%s\n", relay.Instance, relay.BaseURL(), relay.RealtimeAddress())
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "browse window")
	return cmd
}

func newPeersCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List identities registered with the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tNAME\tFINGERPRINT")
			for _, peer := range chat.ListPeers(cmd.Context(), p.client, a.cfg.Identity, a.logger) {
				fmt.Fprintf(w, "%s\t%s\t%s\n", peer.Identity, peer.DisplayName, fingerprint(peer.PublicKey))
			}
			return w.Flush()
		},
	}
}

func fingerprint(encoded string) string {
	formatted, err := crypto.RosterFingerprint(encoded)
	if err != nil {
		return "-"
	}
	return formatted
}

func newHistoryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <peer>",
		Short: "Print the stored conversation with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.connect(ctx)
			if err != nil {
				return err
			}
			box, err := p.box(ctx, a.cfg.Identity, args[0])
			if err != nil {
				return err
			}
			history, err := p.client.FetchHistory(ctx, a.cfg.Identity, args[0])
			if err != nil {
				return err
			}
			for _, msg := range history {
				plaintext, err := box.Decrypt(msg.Ciphertext)
				if err != nil {
					fmt.Fprintln(a.out, formatLine(a.cfg.Identity, msg, "<undecryptable>"))
					continue
				}
				fmt.Fprintln(a.out, formatLine(a.cfg.Identity, msg, string(plaintext)))
			}
			return nil
		},
	}
}

func newChatCommand(a *app) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "chat <peer>",
		Short: "Open an interactive conversation with a peer",
		Long: `Open an interactive conversation with a peer.

Each input line is sent as a message. Lines starting with a slash are commands:
  /ttl <duration>   self-destruct timer for following messages (0 disables)
  /read             mark every received message as read
  /delete <id>...   delete messages by id for both sides
  /retry            resend failed messages
  /quit             leave the conversation`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("ttl") {
				ttl = a.cfg.DefaultSelfDestruct
			}
			return a.chat(cmd.Context(), args[0], ttl)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "self-destruct timer for sent messages")
	return cmd
}

func (a *app) chat(ctx context.Context, peer string, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("%w: ttl must not be negative", config.ErrInvalid)
	}
	p, err := a.connect(ctx)
	if err != nil {
		return err
	}
	box, err := p.box(ctx, a.cfg.Identity, peer)
	if err != nil {
		return err
	}

	printer := &transcript{self: a.cfg.Identity, out: a.out}
	session, err := chat.NewSession(chat.SessionOptions{
		Self:       chat.Identity{ID: a.cfg.Identity, DisplayName: a.cfg.DisplayName},
		Peer:       peer,
		Transport:  p.client,
		Channel:    p.client,
		Crypto:     box,
		Logger:     a.logger.Named("session"),
		AckTimeout: a.cfg.AckTimeout,
		Retry: chat.RetryPolicy{
			MaxAttempts: a.cfg.RetryAttempts,
			Backoff:     a.cfg.RetryBackoff,
		},
		OnChange: printer.change,
	})
	if err != nil {
		return err
	}
	printer.decrypt = session.Decrypt
	defer session.Close()

	if err := session.Join(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "joined conversation %s\n", session.Key())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := a.handleInput(ctx, session, line, &ttl)
			if err != nil {
				fmt.Fprintln(a.out, "error:", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handleInput applies one input line. It reports whether the user asked to quit.
func (a *app) handleInput(ctx context.Context, session *chat.Session, line string, ttl *time.Duration) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := session.SendText(line, *ttl)
		return false, err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/ttl":
		if len(fields) != 2 {
			return false, errors.New("usage: /ttl <duration>")
		}
		next, err := time.ParseDuration(fields[1])
		if err != nil || next < 0 {
			return false, fmt.Errorf("invalid duration %q", fields[1])
		}
		*ttl = next
		return false, nil
	case "/read":
		var unread []string
		for _, msg := range session.Messages() {
			if msg.Sender == session.Peer() && msg.Status == chat.StatusDelivered {
				unread = append(unread, msg.ID)
			}
		}
		return false, session.MarkRead(ctx, unread...)
	case "/delete":
		if len(fields) < 2 {
			return false, errors.New("usage: /delete <id>...")
		}
		return false, session.Delete(ctx, expandIDs(session.Messages(), fields[1:])...)
	case "/retry":
		var errs []error
		for _, msg := range session.Messages() {
			if msg.Status == chat.StatusFailed {
				if _, err := session.Retry(msg.LocalID); err != nil {
					errs = append(errs, err)
				}
			}
		}
		return false, errors.Join(errs...)
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

// transcript renders session changes as terminal lines.
type transcript struct {
	self    string
	out     io.Writer
	decrypt func(chat.Message) (string, error)
}

func (t *transcript) change(change chat.Change) {
	switch change.Kind {
	case chat.ChangeAppended:
		if change.Message.Sender == t.self {
			return
		}
		fmt.Fprintln(t.out, formatLine(t.self, change.Message, t.text(change.Message)))
	case chat.ChangeUpdated:
		msg := change.Message
		if msg.Sender != t.self {
			return
		}
		switch msg.Status {
		case chat.StatusFailed:
			fmt.Fprintf(t.out, "! send failed: %v (type /retry)\n", change.Err)
		case chat.StatusRead:
			fmt.Fprintf(t.out, "  [%s read]\n", shortID(msg.ID))
		}
	case chat.ChangeRemoved:
		for _, msg := range change.Removed {
			fmt.Fprintf(t.out, "  [%s %s]\n", shortID(msg.ID), msg.Status)
		}
	case chat.ChangeAdvisory:
		fmt.Fprintf(t.out, "! %s: %v\n", change.Reason, change.Err)
	}
}

func (t *transcript) text(msg chat.Message) string {
	if t.decrypt == nil {
		return "<encrypted>"
	}
	plaintext, err := t.decrypt(msg)
	if err != nil {
		return "<undecryptable>"
	}
	return plaintext
}

func formatLine(self string, msg chat.Message, text string) string {
	who := msg.Sender
	if who == self {
		who = "me"
	}
	line := fmt.Sprintf("%s %s <%s> %s", msg.SentAt.Local().Format("15:04:05"), shortID(msg.ID), who, text)
	if msg.SelfDestruct > 0 {
		line += fmt.Sprintf(" (expires in %s)", msg.SelfDestruct)
	}
	return line
}

// expandIDs maps the short ids shown in the transcript back to full ids.
// Unknown or ambiguous prefixes pass through unchanged.
func expandIDs(messages []chat.Message, prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		match := ""
		for _, msg := range messages {
			if msg.ID == "" || !strings.HasPrefix(msg.ID, prefix) {
				continue
			}
			if match != "" {
				match = ""
				break
			}
			match = msg.ID
		}
		if match == "" {
			match = prefix
		}
		out = append(out, match)
	}
	return out
}

func shortID(id string) string {
	if id == "" {
		return "--------"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
