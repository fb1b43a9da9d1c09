package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDestination          = "/topic/tasks"
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultRestartDelay         = 1 * time.Minute
	DefaultHeartbeat            = 10 * time.Second
	DefaultMailboxLimit         = 10000
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultPollTimeout          = 40 * time.Second
	DefaultInfoRetries          = 2
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultDedupWindow          = 4096
	DefaultBatchSize            = 1000
	DefaultFlushInterval        = 1 * time.Second
	DefaultBufferSize           = 10000
	DefaultRetainFinished       = 10 * time.Minute
	DefaultStaleAfter           = 1 * time.Hour
	DefaultReconcileInterval    = 1 * time.Minute
	DefaultSubjectPrefix        = "taskwatch"
	DefaultHealthPort           = 8080
	DefaultHealthPath           = "/health"
)

// DefaultTransports is the SockJS transport order used when none is set.
var DefaultTransports = []string{"websocket", "xhr-polling"}

func (c *Config) applyDefaults() {
	// STOMP defaults
	if len(c.STOMP.Destinations) == 0 && len(c.STOMP.TaskIDs) == 0 {
		c.STOMP.Destinations = []string{DefaultDestination}
	}
	if c.STOMP.ConnectTimeout == 0 {
		c.STOMP.ConnectTimeout = DefaultConnectTimeout
	}
	if c.STOMP.ReconnectBaseDelay == 0 {
		c.STOMP.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.STOMP.ReconnectMaxDelay == 0 {
		c.STOMP.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.STOMP.MaxReconnectAttempts == nil {
		n := DefaultMaxReconnectAttempts
		c.STOMP.MaxReconnectAttempts = &n
	}
	switch {
	case c.STOMP.RestartDelay == 0:
		c.STOMP.RestartDelay = DefaultRestartDelay
	case c.STOMP.RestartDelay < 0:
		c.STOMP.RestartDelay = 0
	}
	c.STOMP.HeartbeatOutgoing = heartbeatDefault(c.STOMP.HeartbeatOutgoing)
	c.STOMP.HeartbeatIncoming = heartbeatDefault(c.STOMP.HeartbeatIncoming)
	if c.STOMP.MailboxLimit == 0 {
		c.STOMP.MailboxLimit = DefaultMailboxLimit
	}

	// SockJS defaults
	if len(c.SockJS.Transports) == 0 {
		c.SockJS.Transports = append([]string(nil), DefaultTransports...)
	}
	if c.SockJS.HandshakeTimeout == 0 {
		c.SockJS.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.SockJS.WriteTimeout == 0 {
		c.SockJS.WriteTimeout = DefaultWriteTimeout
	}
	if c.SockJS.PollTimeout == 0 {
		c.SockJS.PollTimeout = DefaultPollTimeout
	}
	if c.SockJS.InfoRetries == 0 {
		c.SockJS.InfoRetries = DefaultInfoRetries
	}

	// Database defaults
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database)
	}

	// Router defaults
	if c.Router.DedupWindow == 0 {
		c.Router.DedupWindow = DefaultDedupWindow
	}

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultBufferSize
	}

	// Tracker defaults
	if c.Tracker.RetainFinished == 0 {
		c.Tracker.RetainFinished = DefaultRetainFinished
	}
	switch {
	case c.Tracker.StaleAfter == 0:
		c.Tracker.StaleAfter = DefaultStaleAfter
	case c.Tracker.StaleAfter < 0:
		c.Tracker.StaleAfter = 0
	}
	if c.Tracker.ReconcileInterval == 0 {
		c.Tracker.ReconcileInterval = DefaultReconcileInterval
	}

	// NATS defaults
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.NATS.Name == "" && c.Instance.ID != "" {
		c.NATS.Name = "taskwatch-" + c.Instance.ID
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}

// heartbeatDefault maps unset to the default and negative to disabled.
func heartbeatDefault(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultHeartbeat
	case d < 0:
		return 0
	}
	return d
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
