package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.STOMP.validate(); err != nil {
		return err
	}
	if err := c.SockJS.validate(); err != nil {
		return err
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	if c.Router.DedupWindow < 0 {
		return errors.New("router.dedup_window must be >= 0")
	}
	if c.Router.BufferLimit < 0 {
		return errors.New("router.buffer_limit must be >= 0")
	}

	if c.Writers.BatchSize < 1 {
		return errors.New("writers.batch_size must be >= 1")
	}
	if c.Writers.BufferSize < 1 {
		return errors.New("writers.buffer_size must be >= 1")
	}

	if c.Tracker.RetainFinished < 0 {
		return errors.New("tracker.retain_finished must be >= 0")
	}
	if c.Tracker.ReconcileInterval <= 0 {
		return errors.New("tracker.reconcile_interval must be > 0")
	}

	if c.NATS.Enabled() && strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
		return fmt.Errorf("nats.subject_prefix %q must not contain spaces or wildcards", c.NATS.SubjectPrefix)
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (s *STOMPConfig) validate() error {
	if s.URL == "" {
		return errors.New("stomp.url is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("stomp.url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("stomp.url scheme must be http, https, ws or wss, got %q", u.Scheme)
	}

	if s.ReconnectBaseDelay < 0 {
		return errors.New("stomp.reconnect_base_delay must be >= 0")
	}
	if s.ReconnectMaxDelay < s.ReconnectBaseDelay {
		return fmt.Errorf("stomp.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			s.ReconnectMaxDelay, s.ReconnectBaseDelay)
	}
	if s.MaxReconnectAttempts != nil && *s.MaxReconnectAttempts < 0 {
		return errors.New("stomp.max_reconnect_attempts must be >= 0")
	}
	if s.MailboxLimit < 0 {
		return errors.New("stomp.mailbox_limit must be >= 0")
	}
	for _, d := range s.Destinations {
		if !strings.HasPrefix(d, "/") {
			return fmt.Errorf("stomp.destinations: %q must start with /", d)
		}
	}
	for _, id := range s.TaskIDs {
		if id <= 0 {
			return fmt.Errorf("stomp.task_ids: %d is not a valid task id", id)
		}
	}
	return nil
}

func (s *SockJSConfig) validate() error {
	for _, t := range s.Transports {
		if !slices.Contains(DefaultTransports, t) {
			return fmt.Errorf("sockjs.transports: unknown transport %q", t)
		}
	}
	if s.Proxy != "" {
		if _, err := s.ProxyURL(); err != nil {
			return err
		}
	}
	if s.InfoRetries < 0 {
		return errors.New("sockjs.info_retries must be >= 0")
	}
	return nil
}

// ProxyURL parses Proxy. It returns nil when no proxy is configured.
func (s *SockJSConfig) ProxyURL() (*url.URL, error) {
	if s.Proxy == "" {
		return nil, nil
	}
	u, err := url.Parse(s.Proxy)
	if err != nil {
		return nil, fmt.Errorf("sockjs.proxy: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
		return u, nil
	}
	return nil, fmt.Errorf("sockjs.proxy scheme must be http, https or socks5, got %q", u.Scheme)
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
