package sockjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gdupload/taskwatch/internal/connection"
	"github.com/gdupload/taskwatch/internal/version"
)

// Transport opens sessions to SockJS endpoints or raw STOMP WebSockets.
type Transport struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client
	dialer     *websocket.Dialer
	header     http.Header
}

// New creates a Transport.
func New(cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Transports) == 0 {
		cfg.Transports = DefaultConfig().Transports
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	proxyFunc, dialContext, err := proxySetup(cfg.Proxy)
	if err != nil {
		logger.Warn("ignoring proxy", "error", err)
		proxyFunc, dialContext = http.ProxyFromEnvironment, nil
	}

	hc := cfg.HTTPClient
	if hc == nil {
		jar, _ := cookiejar.New(nil)
		ht := http.DefaultTransport.(*http.Transport).Clone()
		ht.Proxy = proxyFunc
		if dialContext != nil {
			ht.DialContext = dialContext
		}
		hc = &http.Client{Jar: jar, Transport: ht}
	}

	header := cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", version.UserAgent())
	}

	return &Transport{
		cfg:        cfg,
		logger:     logger,
		httpClient: hc,
		header:     header,
		dialer: &websocket.Dialer{
			Proxy:            proxyFunc,
			NetDialContext:   dialContext,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Jar:              hc.Jar,
		},
	}
}

// Open connects to address. ws:// and wss:// addresses are dialled as raw
// STOMP WebSockets; http:// and https:// addresses are SockJS base URLs and
// go through /info and transport fallback.
func (t *Transport) Open(ctx context.Context, address string) (connection.Session, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		sess, err := dialWebSocket(ctx, t.dialer, address, t.header, true, t.cfg, t.logger)
		if err != nil {
			return nil, err
		}
		return sess, nil
	case "http", "https":
		return t.openSockJS(ctx, strings.TrimRight(address, "/"))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

func (t *Transport) openSockJS(ctx context.Context, base string) (connection.Session, error) {
	info, err := t.fetchInfo(ctx, base)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("sockjs info",
		"base", base,
		"websocket", info.WebSocket,
		"cookie_needed", info.CookieNeeded,
	)

	var errs []error
	for _, name := range t.cfg.Transports {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		// The server may have registered the session id of a failed
		// transport, so every attempt gets its own.
		sessionURL := base + "/" + serverID() + "/" + sessionID()

		var sess connection.Session
		switch name {
		case TransportWebSocket:
			if !info.WebSocket {
				t.logger.Debug("server disabled websocket transport")
				continue
			}
			sess, err = dialWebSocket(ctx, t.dialer, wsURL(sessionURL)+"/websocket", t.header, false, t.cfg, t.logger)
		case TransportXHRPolling:
			sess, err = openXHR(ctx, t, sessionURL)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownTransport, name)
		}

		if err == nil {
			t.logger.Info("sockjs session opened", "transport", name, "base", base)
			return sess, nil
		}
		t.logger.Warn("sockjs transport failed", "transport", name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}

	if len(errs) == 0 {
		return nil, ErrNoTransport
	}
	return nil, fmt.Errorf("%w: %w", ErrNoTransport, errors.Join(errs...))
}

// serverID is the random three digit server segment of a session URL.
func serverID() string {
	return fmt.Sprintf("%03d", rand.IntN(1000))
}

func sessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func wsURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}
