package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// Endpoint resolves the console websocket URL. console_url may be a ws or
// wss URL, or a multiaddr such as /ip4/127.0.0.1/tcp/2225/ws. Without it
// the URL is ws://console_host:console_port.
func (c *Config) Endpoint() (string, error) {
	raw := strings.TrimSpace(c.ConsoleURL)
	switch {
	case raw == "":
		return "ws://" + net.JoinHostPort(c.ConsoleHost, strconv.Itoa(c.ConsolePort)), nil
	case strings.HasPrefix(raw, "/"):
		return fromMultiaddr(raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: console_url: %v", ErrInvalid, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: console_url scheme %q, want ws or wss", ErrInvalid, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: console_url has no host", ErrInvalid)
	}
	return u.String(), nil
}

func fromMultiaddr(raw string) (string, error) {
	ma, err := multiaddr.NewMultiaddr(raw)
	if err != nil {
		return "", fmt.Errorf("%w: console multiaddr: %v", ErrInvalid, err)
	}

	var host string
	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS, multiaddr.P_DNS4, multiaddr.P_DNS6} {
		if v, err := ma.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", fmt.Errorf("%w: console multiaddr %s has no host", ErrInvalid, raw)
	}
	port, err := ma.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return "", fmt.Errorf("%w: console multiaddr %s has no tcp port", ErrInvalid, raw)
	}

	scheme := "ws"
	for _, p := range ma.Protocols() {
		if p.Code == multiaddr.P_WSS || p.Code == multiaddr.P_TLS {
			scheme = "wss"
		}
	}
	return scheme + "://" + net.JoinHostPort(host, port), nil
}
