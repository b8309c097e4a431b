// Package discovery advertises and locates relays on the local network over mDNS.
package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_securechat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 3 * time.Second
)

// ErrNoRelay is returned when a browse window ends without a usable relay.
var ErrNoRelay = errors.New("discovery: no relay found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay advertisement and lookup.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	// Instance is the advertised instance name; RelayID identifies the relay.
	Instance     string
	RelayID      string
	HTTPPort     int
	RealtimePort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.RelayID) == "" {
		return errors.New("relay ID is required")
	}
	if strings.TrimSpace(c.Instance) == "" {
		return errors.New("instance name is required")
	}
	if c.HTTPPort <= 0 || c.RealtimePort <= 0 {
		return errors.New("http and realtime ports must be > 0")
	}
	return nil
}

// Relay is a relay found on the local network.
type Relay struct {
	Instance     string
	RelayID      string
	Version      int
	HostName     string
	Addresses    []string
	HTTPPort     int
	RealtimePort int
}

// BaseURL returns the relay HTTP endpoint using its first address.
func (r Relay) BaseURL() string {
	return "http://" + net.JoinHostPort(r.host(), strconv.Itoa(r.HTTPPort))
}

// RealtimeAddress returns the relay realtime endpoint using its first address.
func (r Relay) RealtimeAddress() string {
	return net.JoinHostPort(r.host(), strconv.Itoa(r.RealtimePort))
}

func (r Relay) host() string {
	if len(r.Addresses) > 0 {
		return r.Addresses[0]
	}
	return strings.TrimSuffix(r.HostName, ".")
}

// Advertiser announces a relay via mDNS until stopped.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the relay service. The SRV record carries the HTTP
// port; the realtime port travels in TXT.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"relay_id=" + cfg.RelayID,
		"version=" + strconv.Itoa(cfg.Version),
		"http_port=" + strconv.Itoa(cfg.HTTPPort),
		"realtime_port=" + strconv.Itoa(cfg.RealtimePort),
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.HTTPPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Browse collects relays seen during one scan window, sorted by instance.
func Browse(ctx context.Context, config Config) ([]Relay, error) {
	return scan(ctx, config.withDefaults(), false)
}

// Resolve returns the first compatible relay seen within the scan window.
func Resolve(ctx context.Context, config Config) (Relay, error) {
	relays, err := scan(ctx, config.withDefaults(), true)
	switch {
	case err != nil:
		return Relay{}, err
	case len(relays) > 0:
		return relays[0], nil
	case ctx.Err() != nil:
		return Relay{}, ctx.Err()
	default:
		return Relay{}, ErrNoRelay
	}
}

func (c Config) browser() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// scan browses until the scan window closes, or until the first usable
// entry when firstOnly is set. zeroconf closes entries itself once the
// browse context ends.
func scan(ctx context.Context, cfg Config, firstOnly bool) ([]Relay, error) {
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}

	scanCtx, stop := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	byID := make(map[string]Relay)

	group, groupCtx := errgroup.WithContext(scanCtx)
	group.Go(func() error {
		if err := browse(groupCtx, cfg.Service, cfg.Domain, entries); err != nil {
			return fmt.Errorf("discovery: browse %s: %w", cfg.Service, err)
		}
		return nil
	})
	group.Go(func() error {
		for {
			var entry *zeroconf.ServiceEntry
			select {
			case <-groupCtx.Done():
				return nil
			case entry = <-entries:
			}
			if entry == nil {
				// Closed channel; wait out the window so a fake browser
				// behaves like zeroconf.
				<-groupCtx.Done()
				return nil
			}
			relay, ok := parseEntry(entry, cfg.Version)
			if !ok {
				continue
			}
			byID[relay.RelayID] = relay
			if firstOnly {
				stop()
				return nil
			}
		}
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	out := make([]Relay, 0, len(byID))
	for _, relay := range byID {
		out = append(out, relay)
	}
	slices.SortFunc(out, func(a, b Relay) int {
		if c := cmp.Compare(a.Instance, b.Instance); c != 0 {
			return c
		}
		return cmp.Compare(a.RelayID, b.RelayID)
	})
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, wantVersion int) (Relay, bool) {
	txt := txtToMap(entry.Text)

	relayID := txt["relay_id"]
	if relayID == "" {
		return Relay{}, false
	}
	version, err := strconv.Atoi(txt["version"])
	if err != nil || version != wantVersion {
		return Relay{}, false
	}
	realtimePort, err := strconv.Atoi(txt["realtime_port"])
	if err != nil || realtimePort <= 0 {
		return Relay{}, false
	}
	httpPort := entry.Port
	if parsed, err := strconv.Atoi(txt["http_port"]); err == nil && parsed > 0 {
		httpPort = parsed
	}
	if httpPort <= 0 {
		return Relay{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	// IPv4 first so BaseURL prefers it.
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	if len(addresses) == 0 && entry.HostName == "" {
		return Relay{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = relayID
	}

	return Relay{
		Instance:     name,
		RelayID:      relayID,
		Version:      version,
		HostName:     entry.HostName,
		Addresses:    addresses,
		HTTPPort:     httpPort,
		RealtimePort: realtimePort,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
