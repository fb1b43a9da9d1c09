package config

import "time"

// Config is the root configuration for a taskwatch instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	STOMP    STOMPConfig    `yaml:"stomp"`
	SockJS   SockJSConfig   `yaml:"sockjs"`
	Database DBConfig       `yaml:"database"`
	Router   RouterConfig   `yaml:"router"`
	Writers  WritersConfig  `yaml:"writers"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	NATS     NATSConfig     `yaml:"nats"`
	Health   HealthConfig   `yaml:"health"`
}

// InstanceConfig identifies this watcher.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// STOMPConfig holds broker connection and subscription settings.
type STOMPConfig struct {
	// URL is either a SockJS base URL (http/https) or a raw STOMP WebSocket
	// endpoint (ws/wss).
	URL            string            `yaml:"url"`
	Host           string            `yaml:"host"`    // STOMP host header
	Headers        map[string]string `yaml:"headers"` // extra CONNECT headers
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`

	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	// MaxReconnectAttempts is a pointer so an explicit 0 (give up on the
	// first failure) survives defaulting.
	MaxReconnectAttempts *int `yaml:"max_reconnect_attempts"`
	// RestartDelay starts a new connect sequence after the client gives up.
	// Negative disables restarts.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// Negative heart-beat intervals disable that direction.
	HeartbeatOutgoing time.Duration `yaml:"heartbeat_outgoing"`
	HeartbeatIncoming time.Duration `yaml:"heartbeat_incoming"`

	MailboxLimit int `yaml:"mailbox_limit"`

	// Destinations are subscribed on every (re)connect. TaskIDs adds the
	// per-task topic of each id.
	Destinations []string `yaml:"destinations"`
	TaskIDs      []int64  `yaml:"task_ids"`
}

// SockJSConfig holds transport settings.
type SockJSConfig struct {
	Transports       []string      `yaml:"transports"`
	Proxy            string        `yaml:"proxy"` // http, https or socks5 URL
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	InfoRetries      int           `yaml:"info_retries"`
}

// DBConfig holds the PostgreSQL connection for event history. Persistence
// is disabled when Host is empty.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// RouterConfig holds event router settings.
type RouterConfig struct {
	DedupWindow int `yaml:"dedup_window"`
	BufferLimit int `yaml:"buffer_limit"`
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// TrackerConfig holds task tracker settings. When Follow is set, every task
// seen on the broadcast topic also has its own topic subscribed until it
// finishes, so file status events are received.
type TrackerConfig struct {
	Follow            bool          `yaml:"follow"`
	RetainFinished    time.Duration `yaml:"retain_finished"`
	StaleAfter        time.Duration `yaml:"stale_after"` // negative disables
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// NATSConfig holds relay settings. The relay is disabled when URL is empty.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Name          string `yaml:"name"`
}

// Enabled reports whether the NATS relay is configured.
func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
