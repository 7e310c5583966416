// Package mdns advertises a pairroom host on the local network with
// DNS-SD and finds hosts that do.
//
// The advertisement carries:
//   - Service type: _pairroom._tcp
//   - TXT records with protocol version, host name and public URL
//
// Discovery only reveals presence; joining a room still needs a token.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type for pairroom hosts.
const ServiceType = "_pairroom._tcp"

// ProtocolVersion is bumped when the WebSocket protocol changes
// incompatibly.
const ProtocolVersion = "1"

// Config holds configuration for advertisement.
type Config struct {
	// Port is the HTTP/WebSocket port to advertise.
	Port int

	// URL is the base URL participants should use, if it differs from the
	// advertised address (for example behind a proxy).
	URL string

	// Name is the instance name. Defaults to the system hostname.
	Name string
}

// Advertiser manages the DNS-SD registration.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser. Nothing is sent until Start.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

func (a *Advertiser) instanceName() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return "pairroom"
}

// txtRecords builds the advertisement metadata. TXT strings are limited to
// 255 bytes each; a longer URL is left out.
func (a *Advertiser) txtRecords(name string) []string {
	records := []string{
		"version=" + ProtocolVersion,
		"name=" + name,
	}
	if u := a.config.URL; u != "" && len("url=")+len(u) <= 255 {
		records = append(records, "url="+u)
	}
	return records
}

// Start registers the service. Calling Start while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.instanceName()
	server, err := zeroconf.Register(name, ServiceType, "local.", a.config.Port, a.txtRecords(name), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	return nil
}

// Stop unregisters the service. It is safe to call at any time.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredHost is a host found by Discover.
type DiscoveredHost struct {
	Name    string
	Host    string
	Port    int
	URL     string
	Version string
}

// applyTXT fills fields from TXT records. Unknown keys are ignored.
func (h *DiscoveredHost) applyTXT(records []string) {
	for _, txt := range records {
		key, value, ok := strings.Cut(txt, "=")
		if !ok || value == "" {
			continue
		}
		switch key {
		case "url":
			h.URL = value
		case "version":
			h.Version = value
		case "name":
			h.Name = value
		}
	}
}

// Discover browses for pairroom hosts until ctx ends.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []DiscoveredHost
		wg    sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			host := DiscoveredHost{Name: entry.Instance, Port: entry.Port}
			if len(entry.AddrIPv4) > 0 {
				host.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				host.Host = entry.AddrIPv6[0].String()
			}
			host.applyTXT(entry.Text)
			hosts = append(hosts, host)
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes entries once ctx is done.
	<-ctx.Done()
	wg.Wait()
	return hosts, nil
}
