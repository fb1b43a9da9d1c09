package sockjs

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

// proxySetup returns the HTTP proxy function and the dial function shared
// by the WebSocket dialer and the xhr client. A nil proxy URL defers to the
// HTTP_PROXY family of environment variables.
func proxySetup(u *url.URL) (func(*http.Request) (*url.URL, error), func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	if u == nil {
		return http.ProxyFromEnvironment, nil, nil
	}

	switch u.Scheme {
	case "http", "https":
		return http.ProxyURL(u), nil, nil
	case "socks5", "socks5h":
		d, err := proxy.FromURL(u, &net.Dialer{})
		if err != nil {
			return nil, nil, fmt.Errorf("socks5 proxy: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, nil, fmt.Errorf("socks5 proxy %s: dialer has no context support", u.Redacted())
		}
		return nil, cd.DialContext, nil
	}
	return nil, nil, fmt.Errorf("%w: proxy scheme %q", ErrUnsupportedScheme, u.Scheme)
}
