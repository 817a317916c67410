package radius

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"

	"github.com/codelaboratoryltd/pppoe-ac/pkg/pppoe"
)

// VendorDSLForum is the enterprise number of the DSL Forum vendor
// attributes (RFC 4679).
const VendorDSLForum = 3561

// DSL Forum attribute types. They share their numbering with the TR-101
// sub-options of the PPPoE vendor tag.
const (
	AttrAgentCircuitID            = 1
	AttrAgentRemoteID             = 2
	AttrActualDataRateUpstream    = 129
	AttrActualDataRateDownstream  = 130
	AttrMinimumDataRateUpstream   = 131
	AttrMinimumDataRateDownstream = 132
	AttrAccessLoopEncapsulation   = 144
)

// maxVendorValue is what fits after the attribute, vendor id and sub-attribute headers.
const maxVendorValue = 255 - 2 - 4 - 2

// AddTR101 adds every TR-101 sub-option of info to p as a DSL Forum
// Vendor-Specific attribute, in wire order.
func AddTR101(p *radius.Packet, info *pppoe.TR101) error {
	if info == nil {
		return nil
	}
	for _, o := range info.Options {
		if len(o.Value) > maxVendorValue {
			return fmt.Errorf("TR-101 option %d too long for RADIUS: %d bytes", o.Type, len(o.Value))
		}
		inner := make(radius.Attribute, 0, 2+len(o.Value))
		inner = append(inner, o.Type, byte(2+len(o.Value)))
		inner = append(inner, o.Value...)

		attr, err := radius.NewVendorSpecific(VendorDSLForum, inner)
		if err != nil {
			return fmt.Errorf("failed to encode TR-101 option %d: %w", o.Type, err)
		}
		p.Add(rfc2865.VendorSpecific_Type, attr)
	}
	return nil
}

// LookupTR101 reads the DSL Forum Vendor-Specific attributes of p back into
// TR-101 form. It returns nil when p carries none.
func LookupTR101(p *radius.Packet) *pppoe.TR101 {
	var info *pppoe.TR101
	for _, avp := range p.Attributes {
		if avp.Type != rfc2865.VendorSpecific_Type {
			continue
		}
		vendor, value, err := radius.VendorSpecific(avp.Attribute)
		if err != nil || vendor != VendorDSLForum {
			continue
		}
		for len(value) >= 2 {
			n := int(value[1])
			if n < 2 || n > len(value) {
				break
			}
			if info == nil {
				info = &pppoe.TR101{}
			}
			o := pppoe.TR101Option{Type: value[0], Value: append([]byte(nil), value[2:n]...)}
			info.Options = append(info.Options, o)
			switch o.Type {
			case AttrAgentCircuitID:
				info.CircuitID = string(o.Value)
			case AttrAgentRemoteID:
				info.RemoteID = string(o.Value)
			}
			value = value[n:]
		}
	}
	return info
}

// SessionAttributes fills the per-session attributes an Access-Request or
// Accounting-Request for ev carries: Calling-Station-Id, NAS-Port-Type,
// NAS-Port-Id, Acct-Session-Id, Service-Type and the TR-101 line
// information. Teardown events also carry session time and cause.
func SessionAttributes(p *radius.Packet, ev pppoe.SessionEvent, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := rfc2865.CallingStationID_SetString(p, formatMAC(ev.PeerMAC)); err != nil {
		return err
	}
	if err := rfc2865.NASPortType_Set(p, rfc2865.NASPortType_Value_Ethernet); err != nil {
		return err
	}
	if err := rfc2865.ServiceType_Set(p, rfc2865.ServiceType_Value_FramedUser); err != nil {
		return err
	}
	if err := rfc2865.FramedProtocol_Set(p, rfc2865.FramedProtocol_Value_PPP); err != nil {
		return err
	}
	if ev.Interface != "" {
		if err := rfc2869.NASPortID_SetString(p, ev.Interface); err != nil {
			return err
		}
	}
	if ev.ConnectionID != "" {
		if err := rfc2866.AcctSessionID_SetString(p, ev.ConnectionID); err != nil {
			return err
		}
	}

	if err := AddTR101(p, ev.TR101); err != nil {
		logger.Warn("Dropping TR-101 attributes",
			zap.Uint16("session_id", ev.SessionID),
			zap.Error(err),
		)
	}

	if ev.Cause != 0 {
		if err := rfc2866.AcctSessionTime_Set(p, rfc2866.AcctSessionTime(ev.Duration.Seconds())); err != nil {
			return err
		}
		if err := rfc2866.AcctTerminateCause_Set(p, rfc2866.AcctTerminateCause(ev.Cause)); err != nil {
			return err
		}
	}
	return nil
}

// formatMAC formats a MAC address in the dash-separated form RADIUS
// servers expect in Calling-Station-Id.
func formatMAC(mac net.HardwareAddr) string {
	if len(mac) != 6 {
		return mac.String()
	}
	return fmt.Sprintf("%02X-%02X-%02X-%02X-%02X-%02X",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
