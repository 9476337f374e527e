package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"tarun-kavipurapu/p2p-swarm/pkg/logger"
)

const (
	// ServiceType is the mDNS service type shared by trackers and relays
	ServiceType = "_p2p-swarm._tcp"
	// Domain is the local domain for mDNS
	Domain = "local."

	// RoleKey is the TXT record telling trackers and relays apart
	RoleKey     = "role"
	RoleTracker = "tracker"
	RoleRelay   = "relay"
)

var ErrNotFound = errors.New("no service found")

// ServiceInfo contains information about a discovered service
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// Addr is the first IPv4 address joined with the port.
func (s *ServiceInfo) Addr() string {
	if len(s.IPs) == 0 {
		return ""
	}
	return net.JoinHostPort(s.IPs[0], strconv.Itoa(s.Port))
}

// Advertiser handles service broadcasting
type Advertiser struct {
	server *zeroconf.Server
}

// Resolver handles service discovery
type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start announces a service of the given role on port.
func (a *Advertiser) Start(role string, port int, meta map[string]string) error {
	instanceName := "p2p-swarm-" + role
	if hostname, err := os.Hostname(); err == nil {
		instanceName = fmt.Sprintf("%s-%s-%d", instanceName, hostname, port)
	}

	txtRecords := []string{RoleKey + "=" + role}
	for k, v := range meta {
		txtRecords = append(txtRecords, fmt.Sprintf("%s=%s", k, v))
	}

	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.server = server
	logger.Sugar.Infof("[Discovery] advertising: instance=%s port=%d", instanceName, port)
	return nil
}

// Stop stops broadcasting the service
func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// Browse scans for services until the context is canceled
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				info := toServiceInfo(entry)
				if len(info.IPs) == 0 {
					continue
				}
				logger.Sugar.Debugf("[Discovery] discovered service: instance=%s ips=%v port=%d", info.InstanceName, info.IPs, info.Port)
				select {
				case results <- info:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return results, nil
}

// Lookup returns the address of the first service announcing role.
func (r *Resolver) Lookup(ctx context.Context, role string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := r.Browse(ctx)
	if err != nil {
		return "", err
	}
	for info := range ch {
		if info.Meta[RoleKey] == role {
			return info.Addr(), nil
		}
	}
	return "", fmt.Errorf("%w: role=%s", ErrNotFound, role)
}

func toServiceInfo(entry *zeroconf.ServiceEntry) *ServiceInfo {
	info := &ServiceInfo{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Meta:         make(map[string]string),
	}
	for _, ip := range entry.AddrIPv4 {
		info.IPs = append(info.IPs, ip.String())
	}
	for _, record := range entry.Text {
		if k, v, ok := strings.Cut(record, "="); ok {
			info.Meta[k] = v
		}
	}
	return info
}
