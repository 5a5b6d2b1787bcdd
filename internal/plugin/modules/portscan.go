package modules

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/scanforge-io/scanforge/internal/config"
	"github.com/scanforge-io/scanforge/internal/event"
	"github.com/scanforge-io/scanforge/internal/plugin"
)

const (
	defaultPortList    = "21,22,23,25,80,110,143,443,445,3306,5432,8080,8443"
	defaultDialTimeout = 5 * time.Second
	bannerReadTimeout  = 3 * time.Second
	maxBannerBytes     = 512
)

// Dialer abstracts TCP connection establishment so tests can substitute a
// fake. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// PortScanTCP performs a TCP connect scan against discovered IP addresses
// and grabs service banners from ports that answer. Active and invasive:
// excluded from Passive use-case expansion.
type PortScanTCP struct {
	fw     *plugin.Framework
	dialer Dialer
	ports  []string
}

// NewPortScanTCP creates the module with a standard net.Dialer.
func NewPortScanTCP() plugin.Module {
	return &PortScanTCP{dialer: &net.Dialer{Timeout: defaultDialTimeout}}
}

// NewPortScanTCPWithDialer creates the module with an injected dialer.
func NewPortScanTCPWithDialer(d Dialer) plugin.Module {
	return &PortScanTCP{dialer: d}
}

// Name implements plugin.Module.
func (m *PortScanTCP) Name() string { return "sfp_portscan_tcp" }

// Meta implements plugin.Module.
func (m *PortScanTCP) Meta() plugin.Meta {
	return plugin.Meta{
		HumanName:  "TCP Port Scanner",
		Summary:    "Connect-scans common TCP ports on discovered addresses and collects service banners.",
		Categories: []string{"Crawling and Scanning"},
		UseCases:   []string{plugin.UseCaseFootprint, plugin.UseCaseInvestigate},
		Flags:      []string{plugin.FlagActive, plugin.FlagInvasive},
		Opts:       map[string]string{"ports": defaultPortList},
		OptDescs: map[string]string{
			"ports": "Comma-separated TCP port list to probe.",
		},
	}
}

// WatchedEvents implements plugin.Module.
func (m *PortScanTCP) WatchedEvents() []string {
	return []string{event.TypeIPAddress, event.TypeIPv6Address}
}

// ProducedEvents implements plugin.Module.
func (m *PortScanTCP) ProducedEvents() []string {
	return []string{event.TypeTCPPortOpen, event.TypeTCPPortBanner}
}

// ThreadSafe implements plugin.Module.
func (m *PortScanTCP) ThreadSafe() bool { return true }

// Setup implements plugin.Module.
func (m *PortScanTCP) Setup(fw *plugin.Framework, opts map[string]string) error {
	m.fw = fw

	portSpec := fw.Option("ports")
	if portSpec == "" {
		portSpec = defaultPortList
	}

	m.ports = config.ParseCommaSeparatedList(portSpec)
	if len(m.ports) == 0 {
		return fmt.Errorf("%w: empty port list", plugin.ErrSetupFailed)
	}

	if m.dialer == nil {
		m.dialer = &net.Dialer{Timeout: defaultDialTimeout}
	}

	return nil
}

// HandleEvent implements plugin.Module.
func (m *PortScanTCP) HandleEvent(ctx context.Context, evt *event.Event) error {
	for _, port := range m.ports {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := m.probe(ctx, evt, port); err != nil {
			return err
		}
	}

	return nil
}

func (m *PortScanTCP) probe(ctx context.Context, evt *event.Event, port string) error {
	addr := net.JoinHostPort(evt.Data, port)

	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		// Closed or filtered ports are the common case, not worth a log line each.
		return nil
	}

	defer func() {
		_ = conn.Close()
	}()

	openEvt := event.New(event.TypeTCPPortOpen, addr, m.Name(), evt)
	if err := m.fw.NotifyListeners(openEvt); err != nil {
		return err
	}

	banner := m.readBanner(conn)
	if banner == "" {
		return nil
	}

	return m.fw.NotifyListeners(event.New(event.TypeTCPPortBanner, banner, m.Name(), openEvt))
}

// readBanner reads whatever the service volunteers within a short window.
// Services that wait for the client first simply yield no banner.
func (m *PortScanTCP) readBanner(conn net.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(bannerReadTimeout))

	reader := bufio.NewReaderSize(conn, maxBannerBytes)

	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return ""
	}

	banner := strings.TrimSpace(line)
	if len(banner) > maxBannerBytes {
		banner = banner[:maxBannerBytes]
	}

	return banner
}
