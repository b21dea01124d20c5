// Package netif resolves local network interfaces for subflow pinning.
package netif

import (
	"errors"
	"fmt"
	"net"
	"slices"

	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

var ErrNotFound = errors.New("netif: interface not found")

// Resolver answers interface lookups from the host interface table. Every
// call reads a fresh table, so link state changes are seen immediately.
type Resolver struct {
	list func() ([]psnet.InterfaceStat, error)
}

func NewResolver() *Resolver {
	return &Resolver{list: func() ([]psnet.InterfaceStat, error) {
		l, err := psnet.Interfaces()
		return l, err
	}}
}

// ResolveInterface implements scheduler.InterfaceResolver. Carrier maps to
// the kernel's RUNNING flag.
func (r *Resolver) ResolveInterface(name string) (scheduler.InterfaceStatus, error) {
	ifaces, err := r.list()
	if err != nil {
		return scheduler.InterfaceStatus{}, fmt.Errorf("netif: listing interfaces: %w", err)
	}
	for _, ifc := range ifaces {
		if ifc.Name != name {
			continue
		}
		return scheduler.InterfaceStatus{
			Index:   ifc.Index,
			Up:      slices.Contains(ifc.Flags, "up"),
			Carrier: slices.Contains(ifc.Flags, "running"),
		}, nil
	}
	return scheduler.InterfaceStatus{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// LookupIP returns the index and name of the interface carrying ip.
func (r *Resolver) LookupIP(ip net.IP) (int, string, error) {
	ifaces, err := r.list()
	if err != nil {
		return 0, "", fmt.Errorf("netif: listing interfaces: %w", err)
	}
	for _, ifc := range ifaces {
		for _, a := range ifc.Addrs {
			addr, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				addr = net.ParseIP(a.Addr)
			}
			if addr != nil && addr.Equal(ip) {
				return ifc.Index, ifc.Name, nil
			}
		}
	}
	return 0, "", fmt.Errorf("%w: no interface has address %s", ErrNotFound, ip)
}

// FirstIPv4 returns the first IPv4 address on the named interface.
func (r *Resolver) FirstIPv4(name string) (net.IP, error) {
	ifaces, err := r.list()
	if err != nil {
		return nil, fmt.Errorf("netif: listing interfaces: %w", err)
	}
	for _, ifc := range ifaces {
		if ifc.Name != name {
			continue
		}
		for _, a := range ifc.Addrs {
			addr, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				continue
			}
			if ip4 := addr.To4(); ip4 != nil {
				return ip4, nil
			}
		}
		return nil, fmt.Errorf("netif: no IPv4 address on interface %q", name)
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}
