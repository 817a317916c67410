//go:build linux

package pppoe

import (
	"net"

	"github.com/mdlayher/packet"
)

// packetTransport implements Transport using an AF_PACKET socket bound to
// the discovery EtherType.
type packetTransport struct {
	conn *packet.Conn
}

// openTransport opens the discovery socket on ifi
func openTransport(ifi *net.Interface) (Transport, error) {
	conn, err := packet.Listen(ifi, packet.Raw, EtherTypePPPoEDiscovery, nil)
	if err != nil {
		return nil, err
	}
	return &packetTransport{conn: conn}, nil
}

func (t *packetTransport) ReadFrame(buf []byte) (int, error) {
	n, _, err := t.conn.ReadFrom(buf)
	return n, err
}

// WriteFrame sends a complete Ethernet frame; dst only selects the link
// layer destination for the kernel.
func (t *packetTransport) WriteFrame(dst net.HardwareAddr, frame []byte) error {
	_, err := t.conn.WriteTo(frame, &packet.Addr{HardwareAddr: dst})
	return err
}

func (t *packetTransport) Close() error {
	return t.conn.Close()
}
