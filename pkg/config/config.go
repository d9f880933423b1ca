package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Modes supported by the CLI
const (
	ModeDirect = "direct"
	ModeChroot = "chroot"
	ModeTest   = "test"
)

// Config holds the application configuration
type Config struct {
	Mode     string `ignored:"true"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Binaries
	ZFSPath          string   `envconfig:"ZFS_PATH" default:"zfs"`
	ChrootDir        string   `envconfig:"CHROOT_DIR" default:"/host"`
	EscalationPrefix []string `envconfig:"ESCALATION_PREFIX" default:"sudo"`
	DockerPath       string   `envconfig:"DOCKER_PATH" default:"docker"`

	// IPFS sidecar
	IPFSContainerName string `envconfig:"IPFS_CONTAINER_NAME" default:"ipfs"`
	IPFSContainerID   string `envconfig:"IPFS_CONTAINER_ID"`
	IPFSChunker       string `envconfig:"IPFS_CHUNKER" default:"buzhash"`

	// Operator
	SnapshotPrefix         string        `envconfig:"SNAPSHOT_PREFIX" default:"vault"`
	MaxConcurrentTransfers int           `envconfig:"MAX_CONCURRENT_TRANSFERS" default:"2"`
	TransferTimeout        time.Duration `envconfig:"TRANSFER_TIMEOUT" default:"0s"`
	EnableLocking          bool          `envconfig:"ENABLE_LOCKING" default:"true"`
	LockFilePath           string        `envconfig:"LOCK_FILE_PATH" default:"/tmp/zfsvault.lock"`
	MetricsTextfile        string        `envconfig:"METRICS_TEXTFILE"`

	// Commands, derived from the fields above by NewConfig
	ZFSCmd      []string `ignored:"true"` // read-only zfs invocations
	ZFSAdminCmd []string `ignored:"true"` // mutating zfs invocations
	DockerCmd   []string `ignored:"true"`
}

// NewConfig loads .env and the process environment and derives the command
// prefixes for the given mode
func NewConfig(mode string) (*Config, error) {
	// A missing .env is fine
	_ = godotenv.Load(".env")

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Mode = mode

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.buildCommands()

	return cfg, nil
}

// Validate checks values that envconfig cannot check by itself
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDirect, ModeChroot, ModeTest:
	default:
		return fmt.Errorf("invalid mode %q: must be one of %s, %s, %s", c.Mode, ModeDirect, ModeChroot, ModeTest)
	}
	if c.LogLevel != "info" && c.LogLevel != "debug" {
		return fmt.Errorf("invalid log level %q: must be info or debug", c.LogLevel)
	}
	if strings.TrimSpace(c.ZFSPath) == "" {
		return fmt.Errorf("ZFS_PATH must not be empty")
	}
	if strings.TrimSpace(c.IPFSChunker) == "" {
		return fmt.Errorf("IPFS_CHUNKER must not be empty")
	}
	if c.MaxConcurrentTransfers < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TRANSFERS must be at least 1, got %d", c.MaxConcurrentTransfers)
	}
	if c.TransferTimeout < 0 {
		return fmt.Errorf("TRANSFER_TIMEOUT must not be negative")
	}
	return nil
}

func (c *Config) buildCommands() {
	var zfsBin []string
	switch c.Mode {
	case ModeChroot:
		zfsBin = []string{"chroot", c.ChrootDir, c.ZFSPath}
	default:
		zfsBin = []string{c.ZFSPath}
	}

	var prefix []string
	if c.Mode != ModeTest {
		for _, part := range c.EscalationPrefix {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				prefix = append(prefix, trimmed)
			}
		}
	}

	c.ZFSCmd = zfsBin
	c.ZFSAdminCmd = append(append([]string{}, prefix...), zfsBin...)
	c.DockerCmd = []string{c.DockerPath}
}

// IsDebug reports whether command tracing is enabled
func (c *Config) IsDebug() bool {
	return c.LogLevel == "debug"
}

// Command returns base followed by args in a freshly allocated slice so that
// callers never share the backing array of the configured prefixes
func Command(base []string, args ...string) []string {
	out := make([]string, 0, len(base)+len(args))
	out = append(out, base...)
	return append(out, args...)
}
