package models

import (
	"fmt"
	"time"
)

// AuthMethod identifies how an endpoint authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// EndpointStatus is the declared connection state of an endpoint.
type EndpointStatus string

const (
	EndpointDisconnected EndpointStatus = "disconnected"
	EndpointConnecting   EndpointStatus = "connecting"
	EndpointConnected    EndpointStatus = "connected"
	EndpointError        EndpointStatus = "error"
)

// Endpoint is a user-declared SSH target. The persisted status field is
// advisory: runtime decisions are made against the session registry, never
// against what the file said after a restart.
type Endpoint struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Host          string         `json:"host"`
	Port          int            `json:"port"`
	Username      string         `json:"username"`
	AuthMethod    AuthMethod     `json:"auth_method"`
	Password      string         `json:"password,omitempty"`
	KeyPath       string         `json:"key_path,omitempty"`
	Status        EndpointStatus `json:"status"`
	LastConnected *time.Time     `json:"last_connected,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Validate checks the user-editable fields of an endpoint.
func (e *Endpoint) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	if e.Host == "" {
		return fmt.Errorf("host is required")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("invalid port: %d", e.Port)
	}
	if e.Username == "" {
		return fmt.Errorf("username is required")
	}
	switch e.AuthMethod {
	case AuthMethodPassword, AuthMethodKey:
	default:
		return fmt.Errorf("unsupported auth method: %s", e.AuthMethod)
	}
	return nil
}

// Addr returns the host:port dial target.
func (e *Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}
