package session

import (
	"fmt"
	"net"
	"strconv"

	"chatlink/internal/domain"
)

// proxyConfig is a validated proxy endpoint captured for the next connect.
type proxyConfig struct {
	host string
	port uint16
}

func (p proxyConfig) url() string {
	return "http://" + net.JoinHostPort(p.host, strconv.Itoa(int(p.port)))
}

// validateProxy checks host and port synchronously, before any I/O.
// Port 0 ("use default") is rejected like any other out-of-range value.
func validateProxy(host string, port int) error {
	if host == "" {
		return domain.NewSessionError("Session.SetProxy", domain.ErrConfiguration, "proxy host must not be empty")
	}
	if port < 1 || port > 65535 {
		return domain.NewSessionError("Session.SetProxy", domain.ErrConfiguration,
			fmt.Sprintf("proxy port %d outside 1..65535", port))
	}
	return nil
}

// SetProxy validates and stores a proxy endpoint to be used by the next
// connect. On validation failure the previously stored valid configuration
// is left untouched. Once the session has left the idle state the proxy can
// no longer change; doing so is rejected with a state error rather than
// disturbing the active connection.
func (s *Session) SetProxy(host string, port int) error {
	if err := validateProxy(host, port); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return domain.NewSessionError("Session.SetProxy", domain.ErrServiceInactive,
			"proxy cannot change after connect, state "+s.state.String())
	}
	s.proxy = &proxyConfig{host: host, port: uint16(port)}
	return nil
}

// Proxy reports the currently stored proxy endpoint, if any.
func (s *Session) Proxy() (host string, port int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proxy == nil {
		return "", 0, false
	}
	return s.proxy.host, int(s.proxy.port), true
}
