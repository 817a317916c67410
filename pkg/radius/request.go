package radius

import (
	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/codelaboratoryltd/pppoe-ac/pkg/pppoe"
)

// NewAccessRequest builds an Access-Request describing the session in ev.
// User-Name defaults to the remote-id, then the circuit-id, of the line
// information when present. Sending it is up to the caller.
func NewAccessRequest(secret []byte, nasID string, ev pppoe.SessionEvent, logger *zap.Logger) (*radius.Packet, error) {
	p := radius.New(radius.CodeAccessRequest, secret)

	if nasID != "" {
		if err := rfc2865.NASIdentifier_SetString(p, nasID); err != nil {
			return nil, err
		}
	}
	if user := lineUserName(ev.TR101); user != "" {
		if err := rfc2865.UserName_SetString(p, user); err != nil {
			return nil, err
		}
	}
	if err := SessionAttributes(p, ev, logger); err != nil {
		return nil, err
	}
	return p, nil
}

func lineUserName(info *pppoe.TR101) string {
	if info == nil {
		return ""
	}
	if info.RemoteID != "" {
		return info.RemoteID
	}
	return info.CircuitID
}
