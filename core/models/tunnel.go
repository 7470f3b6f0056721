package models

import "fmt"

// TunnelKind selects the forwarding direction.
type TunnelKind string

const (
	TunnelKindLocal  TunnelKind = "local"
	TunnelKindRemote TunnelKind = "remote"
)

// TunnelStatus is the declared state of a forwarding rule.
type TunnelStatus string

const (
	TunnelInactive TunnelStatus = "inactive"
	TunnelActive   TunnelStatus = "active"
	TunnelError    TunnelStatus = "error"
)

// Tunnel is a user-declared forwarding rule owned by exactly one endpoint.
//
// Local: bind 0.0.0.0:LocalPort and relay each accepted socket through a
// direct-tcpip channel to RemoteHost:RemotePort. Remote: ask the peer to
// listen on RemotePort and relay each incoming channel to 127.0.0.1:LocalPort.
type Tunnel struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	EndpointID    string       `json:"endpoint_id"`
	Kind          TunnelKind   `json:"kind"`
	LocalPort     int          `json:"local_port"`
	RemoteHost    string       `json:"remote_host"`
	RemotePort    int          `json:"remote_port"`
	Status        TunnelStatus `json:"status"`
	AutoReconnect bool         `json:"auto_reconnect"`
}

// Validate checks the user-editable fields of a tunnel. Dynamic (SOCKS)
// forwarding appears in older catalogs but was never handled; it is rejected
// here rather than silently ignored.
func (t *Tunnel) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	if t.EndpointID == "" {
		return fmt.Errorf("endpoint_id is required")
	}
	switch t.Kind {
	case TunnelKindLocal, TunnelKindRemote:
	default:
		return fmt.Errorf("unsupported tunnel kind: %s", t.Kind)
	}
	if t.LocalPort <= 0 || t.LocalPort > 65535 {
		return fmt.Errorf("invalid local port: %d", t.LocalPort)
	}
	if t.RemoteHost == "" {
		return fmt.Errorf("remote host is required")
	}
	if t.RemotePort <= 0 || t.RemotePort > 65535 {
		return fmt.Errorf("invalid remote port: %d", t.RemotePort)
	}
	return nil
}

// Description returns a human-readable summary of the forward.
func (t *Tunnel) Description() string {
	switch t.Kind {
	case TunnelKindRemote:
		return fmt.Sprintf("remote %d -> 127.0.0.1:%d", t.RemotePort, t.LocalPort)
	default:
		return fmt.Sprintf("local %d -> %s:%d", t.LocalPort, t.RemoteHost, t.RemotePort)
	}
}
