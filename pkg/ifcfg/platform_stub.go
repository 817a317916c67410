//go:build !linux

package ifcfg

import (
	"fmt"
	"runtime"
)

// NetlinkPlatform is unavailable off Linux.
type NetlinkPlatform struct{}

// NewNetlinkPlatform always fails off Linux.
func NewNetlinkPlatform() (*NetlinkPlatform, error) {
	return nil, fmt.Errorf("netlink not supported on %s", runtime.GOOS)
}

func (p *NetlinkPlatform) Close() error                               { return nil }
func (p *NetlinkPlatform) AddAddress(string, Address) error           { return errUnsupported() }
func (p *NetlinkPlatform) DelAddress(string, Address) error           { return errUnsupported() }
func (p *NetlinkPlatform) SetIPv6Sysctl(string, string, string) error { return errUnsupported() }
func (p *NetlinkPlatform) SetLinkUp(string) error                     { return errUnsupported() }
func (p *NetlinkPlatform) SetLinkDown(string) error                   { return errUnsupported() }

func errUnsupported() error {
	return fmt.Errorf("netlink not supported on %s", runtime.GOOS)
}
