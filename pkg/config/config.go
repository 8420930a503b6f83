package config

import (
	"os"
	"time"

	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// Default filesystem layout.
const (
	DefaultStateDir     = "/var/lib/froyo-agent"
	DefaultLibexecDir   = "/usr/libexec/froyo-agent"
	DefaultPasswordFile = "/etc/froyo-agent/passwd"

	DefaultPort       = 11111
	DefaultMaxClients = 10
)

// EnvModulesDir passes the modules directory from the daemon to workers.
const EnvModulesDir = "FROYO_AGENT_MODULES_DIR"

// ModulesDir returns the modules directory named by EnvModulesDir, or the
// default location.
func ModulesDir() string {
	if dir := os.Getenv(EnvModulesDir); dir != "" {
		return dir
	}
	return DefaultLibexecDir + "/modules"
}

// Config is the daemon configuration. Every filesystem location the agent
// touches is a named slot in Paths.
type Config struct {
	// Port is the TCP listen port.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// ListenAddress is the bind address; empty binds all interfaces.
	ListenAddress string `yaml:"listen_address" validate:"omitempty,ip"`

	// Advertise discloses host identity to unauthenticated peers.
	Advertise bool `yaml:"advertise"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`

	// Foreground keeps the daemon attached to the terminal.
	Foreground bool `yaml:"foreground"`

	// Fencing enables force_reboot and self_fence and keeps CAP_SYS_BOOT
	// across a privilege drop.
	Fencing bool `yaml:"fencing"`

	// User is the account to drop privileges to, by name or numeric uid.
	User string `yaml:"user"`

	// MaxClients is the session admission threshold. A connection is refused
	// once more than MaxClients sessions are active.
	MaxClients int `yaml:"max_clients" validate:"min=1,max=1024"`

	// PolicyFile optionally replaces the built-in access policy.
	PolicyFile string `yaml:"policy_file"`

	Paths     Paths     `yaml:"paths"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Paths holds the fixed filesystem slots.
type Paths struct {
	ServerCert   string `yaml:"server_cert" validate:"required"`
	ServerKey    string `yaml:"server_key" validate:"required"`
	CABundle     string `yaml:"ca_bundle" validate:"required"`
	PinnedDir    string `yaml:"pinned_dir" validate:"required"`
	QueueDir     string `yaml:"queue_dir" validate:"required"`
	QueueLock    string `yaml:"queue_lock" validate:"required"`
	Worker       string `yaml:"worker" validate:"required"`
	ModulesDir   string `yaml:"modules_dir" validate:"required"`
	PasswordFile string `yaml:"password_file" validate:"required"`

	// AuditDB is the SQLite audit trail; empty disables auditing.
	AuditDB string `yaml:"audit_db"`
}

// Timeouts bounds every blocking step of a session.
type Timeouts struct {
	Handshake    time.Duration `yaml:"handshake" validate:"gt=0"`
	Send         time.Duration `yaml:"send" validate:"gt=0"`
	Receive      time.Duration `yaml:"receive" validate:"gt=0"`
	BatchPoll    time.Duration `yaml:"batch_poll" validate:"gt=0"`
	ReapInterval time.Duration `yaml:"reap_interval" validate:"gt=0"`
}

// Telemetry selects the logging, metrics and tracing outputs.
type Telemetry struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`
	LogOutput string `yaml:"log_output" validate:"required"`

	// MetricsAddress serves /metrics when set.
	MetricsAddress string `yaml:"metrics_address" validate:"omitempty,hostname_port"`

	TraceExporter string  `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	TraceEndpoint string  `yaml:"trace_endpoint" validate:"required_if=TraceExporter otlp"`
	TraceSampling float64 `yaml:"trace_sampling" validate:"gte=0,lte=1"`
}

// Default returns the built-in configuration.
func Default() *Config {
	certs := DefaultStateDir + "/certs"
	queue := DefaultStateDir + "/queue"
	return &Config{
		Port:       DefaultPort,
		MaxClients: DefaultMaxClients,
		Paths: Paths{
			ServerCert:   certs + "/cacert.pem",
			ServerKey:    certs + "/privkey.pem",
			CABundle:     certs + "/auth_CAs.pem",
			PinnedDir:    certs + "/clients",
			QueueDir:     queue,
			QueueLock:    queue + "/lock",
			Worker:       DefaultLibexecDir + "/froyo-worker",
			ModulesDir:   DefaultLibexecDir + "/modules",
			PasswordFile: DefaultPasswordFile,
			AuditDB:      DefaultStateDir + "/audit.db",
		},
		Timeouts: Timeouts{
			Handshake:    30 * time.Second,
			Send:         120 * time.Second,
			Receive:      120 * time.Second,
			BatchPoll:    100 * time.Millisecond,
			ReapInterval: 2 * time.Second,
		},
		Telemetry: Telemetry{
			LogLevel:      "info",
			LogFormat:     "console",
			LogOutput:     "stderr",
			TraceExporter: "none",
			TraceSampling: 1.0,
		},
	}
}

// TelemetryConfig maps the daemon settings onto a telemetry configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Telemetry.LogLevel
	if c.Debug {
		tc.Logging.Level = "debug"
	}
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Logging.Output = c.Telemetry.LogOutput
	tc.Metrics.Enabled = c.Telemetry.MetricsAddress != ""
	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	tc.Tracing.Enabled = c.Telemetry.TraceExporter != "none"
	tc.Tracing.Exporter = c.Telemetry.TraceExporter
	tc.Tracing.Endpoint = c.Telemetry.TraceEndpoint
	tc.Tracing.SamplingRate = c.Telemetry.TraceSampling
	return tc
}
