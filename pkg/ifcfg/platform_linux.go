//go:build linux

package ifcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
)

const ipv6ConfRoot = "/proc/sys/net/ipv6/conf"

// NetlinkPlatform implements Platform using Linux netlink.
type NetlinkPlatform struct {
	handle *netlink.Handle
}

// NewNetlinkPlatform creates a new Linux netlink platform.
func NewNetlinkPlatform() (*NetlinkPlatform, error) {
	handle, err := netlink.NewHandle(syscall.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("create netlink handle: %w", err)
	}
	return &NetlinkPlatform{handle: handle}, nil
}

// Close releases the netlink handle.
func (p *NetlinkPlatform) Close() error {
	if p.handle != nil {
		p.handle.Close()
	}
	return nil
}

// AddAddress adds addr to ifname. An address that already exists is not an error.
func (p *NetlinkPlatform) AddAddress(ifname string, addr Address) error {
	link, err := p.handle.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("link %s: %w", ifname, err)
	}
	if err := p.handle.AddrAdd(link, &netlink.Addr{IPNet: addr.IPNet, Peer: addr.Peer}); err != nil {
		if strings.Contains(err.Error(), "file exists") {
			return nil
		}
		return fmt.Errorf("add address: %w", err)
	}
	return nil
}

// DelAddress removes addr from ifname. A missing interface or address is
// not an error.
func (p *NetlinkPlatform) DelAddress(ifname string, addr Address) error {
	link, err := p.handle.LinkByName(ifname)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("link %s: %w", ifname, err)
	}
	if err := p.handle.AddrDel(link, &netlink.Addr{IPNet: addr.IPNet, Peer: addr.Peer}); err != nil {
		if strings.Contains(err.Error(), "cannot assign requested address") {
			return nil
		}
		return fmt.Errorf("delete address: %w", err)
	}
	return nil
}

// SetIPv6Sysctl writes net.ipv6.conf.<ifname>.<key>.
func (p *NetlinkPlatform) SetIPv6Sysctl(ifname, key, value string) error {
	path := filepath.Join(ipv6ConfRoot, ifname, key)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// SetLinkUp sets IFF_UP on ifname.
func (p *NetlinkPlatform) SetLinkUp(ifname string) error {
	link, err := p.handle.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("link %s: %w", ifname, err)
	}
	return p.handle.LinkSetUp(link)
}

// SetLinkDown clears IFF_UP on ifname. A missing interface is not an error.
func (p *NetlinkPlatform) SetLinkDown(ifname string) error {
	link, err := p.handle.LinkByName(ifname)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("link %s: %w", ifname, err)
	}
	return p.handle.LinkSetDown(link)
}
