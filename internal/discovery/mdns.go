// Package discovery republishes the node's discovery record over mDNS.
package discovery

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/device"
)

// Service constants.
const (
	ServiceType = "_knx._udp"
	Domain      = "local."
	DefaultPort = 5683
)

// Config configures the publisher.
type Config struct {
	// Interface restricts advertising to one interface; empty means all.
	Interface string
	Port      int
	TTL       time.Duration
}

// server is the part of *zeroconf.Server the publisher uses.
type server interface {
	SetText(txt []string)
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (server, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces, opts...)
}

// MDNSPublisher implements device.Publisher using zeroconf.
type MDNSPublisher struct {
	config   Config
	register registerFunc

	mu       sync.Mutex
	server   server
	instance string
	service  string
}

// NewMDNSPublisher creates a publisher. Nothing is advertised until the
// first RepublishDiscovery.
func NewMDNSPublisher(config Config) *MDNSPublisher {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	return &MDNSPublisher{config: config, register: zeroconfRegister}
}

// getInterfaces returns the network interfaces to use for advertising.
// Returns nil to use all interfaces.
func (p *MDNSPublisher) getInterfaces() []net.Interface {
	if p.config.Interface == "" {
		return nil
	}

	iface, err := net.InterfaceByName(p.config.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// RepublishDiscovery advertises r. When only TXT data changed the running
// service is updated in place; a changed subtype set re-registers it.
func (p *MDNSPublisher) RepublishDiscovery(r device.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	instance := "knx-" + strings.ToLower(r.Serial)
	service := ServiceType + "," + strings.Join(Subtypes(r), ",")
	txt := TXTRecordsToStrings(EncodeTXT(r))

	if p.server != nil && p.instance == instance && p.service == service {
		p.server.SetText(txt)
		log.Debug().Str("instance", instance).Strs("txt", txt).Msg("updated discovery TXT")
		return nil
	}

	if p.server != nil {
		p.server.Shutdown()
		p.server = nil
	}

	var opts []zeroconf.ServerOption
	if p.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(p.config.TTL.Seconds())))
	}

	srv, err := p.register(instance, service, Domain, p.config.Port, txt, p.getInterfaces(), opts...)
	if err != nil {
		return fmt.Errorf("failed to register discovery service: %w", err)
	}
	p.server = srv
	p.instance = instance
	p.service = service
	log.Info().Str("instance", instance).Str("service", service).Msg("registered discovery service")
	return nil
}

// Close stops advertising.
func (p *MDNSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		p.server.Shutdown()
		p.server = nil
	}
	return nil
}
