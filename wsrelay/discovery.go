package wsrelay

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/grandcat/zeroconf"
)

// ServiceName is the mDNS service type relay hubs advertise under.
const ServiceName = "_collabrelay._tcp"

// RegisterRelay advertises a running hub on the local network. The
// returned server must be shut down when the hub stops.
func RegisterRelay(port int) (*zeroconf.Server, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("collab-relay-%s", host),
		ServiceName,
		"local.",
		port,
		[]string{"txtv=0"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	log.Info("Relay advertised over mDNS", "service", ServiceName, "port", port)
	return server, nil
}

// DiscoverRelays browses the local network for relay hubs until the
// timeout elapses and returns websocket URLs for each one found.
func DiscoverRelays(ctx context.Context, timeout time.Duration) ([]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var urls []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			log.Debugf("Discovered relay %s at %s:%d", entry.Instance, entry.AddrIPv4[0], entry.Port)
			urls = append(urls, fmt.Sprintf("ws://%s:%d/ws", entry.AddrIPv4[0], entry.Port))
		}
	}()

	if err := resolver.Browse(ctx, ServiceName, "local.", entries); err != nil {
		return nil, fmt.Errorf("browse mDNS services: %w", err)
	}
	<-ctx.Done()
	<-done
	return urls, nil
}
