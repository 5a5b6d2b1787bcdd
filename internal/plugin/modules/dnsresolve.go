// Package modules bundles the reference scan modules shipped with the
// engine. They exist to exercise the plugin contract end to end; the wider
// module ecosystem registers through the same plugin.Registry.
package modules

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/scanforge-io/scanforge/internal/event"
	"github.com/scanforge-io/scanforge/internal/plugin"
)

// Resolver abstracts DNS lookups so tests can substitute a fake.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// DNSResolve resolves hostnames to addresses and addresses back to names.
// Watches DOMAIN_NAME / INTERNET_NAME / IP addresses; produces IP_ADDRESS,
// IPV6_ADDRESS and INTERNET_NAME events.
type DNSResolve struct {
	fw       *plugin.Framework
	resolver Resolver
}

// NewDNSResolve creates the module with the system resolver.
func NewDNSResolve() plugin.Module {
	return &DNSResolve{resolver: net.DefaultResolver}
}

// NewDNSResolveWithResolver creates the module with an injected resolver.
func NewDNSResolveWithResolver(r Resolver) plugin.Module {
	return &DNSResolve{resolver: r}
}

// Name implements plugin.Module.
func (m *DNSResolve) Name() string { return "sfp_dnsresolve" }

// Meta implements plugin.Module.
func (m *DNSResolve) Meta() plugin.Meta {
	return plugin.Meta{
		HumanName:  "DNS Resolver",
		Summary:    "Resolves hosts to IP addresses and IP addresses back to hostnames.",
		Categories: []string{"DNS"},
		UseCases:   []string{plugin.UseCasePassive, plugin.UseCaseFootprint, plugin.UseCaseInvestigate},
		Flags:      []string{plugin.FlagPassive},
		Opts:       map[string]string{"validatereverse": "true"},
		OptDescs: map[string]string{
			"validatereverse": "Validate reverse-resolved hostnames by forward-resolving them again.",
		},
	}
}

// WatchedEvents implements plugin.Module.
func (m *DNSResolve) WatchedEvents() []string {
	return []string{
		event.TypeDomainName,
		event.TypeInternetName,
		event.TypeIPAddress,
		event.TypeIPv6Address,
	}
}

// ProducedEvents implements plugin.Module.
func (m *DNSResolve) ProducedEvents() []string {
	return []string{
		event.TypeIPAddress,
		event.TypeIPv6Address,
		event.TypeInternetName,
		event.TypeDNSResolutionFail,
	}
}

// ThreadSafe implements plugin.Module. Lookups share no mutable state.
func (m *DNSResolve) ThreadSafe() bool { return true }

// Setup implements plugin.Module.
func (m *DNSResolve) Setup(fw *plugin.Framework, _ map[string]string) error {
	m.fw = fw

	if m.resolver == nil {
		m.resolver = net.DefaultResolver
	}

	return nil
}

// HandleEvent implements plugin.Module.
func (m *DNSResolve) HandleEvent(ctx context.Context, evt *event.Event) error {
	switch evt.Type {
	case event.TypeDomainName, event.TypeInternetName:
		return m.resolveForward(ctx, evt)
	case event.TypeIPAddress, event.TypeIPv6Address:
		return m.resolveReverse(ctx, evt)
	}

	return nil
}

func (m *DNSResolve) resolveForward(ctx context.Context, evt *event.Event) error {
	addrs, err := m.resolver.LookupHost(ctx, evt.Data)
	if err != nil {
		m.fw.Warn(fmt.Sprintf("could not resolve %s: %v", evt.Data, err))

		return m.fw.NotifyListeners(event.New(event.TypeDNSResolutionFail, evt.Data, m.Name(), evt))
	}

	for _, addr := range addrs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}

		typ := event.TypeIPAddress
		if ip.To4() == nil {
			typ = event.TypeIPv6Address
		}

		if err := m.fw.NotifyListeners(event.New(typ, ip.String(), m.Name(), evt)); err != nil {
			return err
		}
	}

	return nil
}

func (m *DNSResolve) resolveReverse(ctx context.Context, evt *event.Event) error {
	names, err := m.resolver.LookupAddr(ctx, evt.Data)
	if err != nil {
		// Reverse resolution failures are routine, not findings.
		m.fw.Debug(fmt.Sprintf("no PTR record for %s: %v", evt.Data, err))

		return nil
	}

	validate := m.fw.OptionBool("validatereverse", true)

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		host := strings.ToLower(strings.TrimSuffix(name, "."))
		if host == "" {
			continue
		}

		if validate && !m.forwardConfirms(ctx, host, evt.Data) {
			m.fw.Debug(fmt.Sprintf("discarding unverified reverse name %s for %s", host, evt.Data))

			continue
		}

		if err := m.fw.NotifyListeners(event.New(event.TypeInternetName, host, m.Name(), evt)); err != nil {
			return err
		}
	}

	return nil
}

// forwardConfirms checks that a reverse-resolved name forward-resolves back
// to the original address, filtering stale PTR records.
func (m *DNSResolve) forwardConfirms(ctx context.Context, host, addr string) bool {
	addrs, err := m.resolver.LookupHost(ctx, host)
	if err != nil {
		return false
	}

	for _, a := range addrs {
		if a == addr {
			return true
		}
	}

	return false
}
