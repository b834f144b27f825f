package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config carries every runtime setting of the control plane. All
// values come from flags, INAU_* environment variables, or an optional
// YAML file, resolved once at startup.
type Config struct {
	DatabaseURL string `mapstructure:"database-url"`

	StoreRoot string `mapstructure:"store-root"`
	RepoRoot  string `mapstructure:"repo-root"`

	MakefilesRepo string `mapstructure:"makefiles-repo"`
	MakefilesName string `mapstructure:"makefiles-name"`

	ListenAddr string `mapstructure:"listen-addr"`

	SSHKey      string        `mapstructure:"ssh-key"`
	SSHUser     string        `mapstructure:"ssh-user"`
	InstallUser string        `mapstructure:"install-user"`
	SSHTimeout  time.Duration `mapstructure:"ssh-timeout"`

	// BuildTimeoutSoft bounds the make invocation on a builder,
	// BuildTimeoutHard the whole job including repository sync and
	// artifact collection.
	BuildTimeoutSoft time.Duration `mapstructure:"build-timeout-soft"`
	BuildTimeoutHard time.Duration `mapstructure:"build-timeout-hard"`

	SMTPHost   string `mapstructure:"smtp-host"`
	SMTPPort   int    `mapstructure:"smtp-port"`
	MailFrom   string `mapstructure:"mail-from"`
	MailDomain string `mapstructure:"mail-domain"`

	LogLevel string `mapstructure:"log-level"`
	LogJSON  bool   `mapstructure:"log-json"`
}

// Defaults applied when neither flag, environment, nor file sets a key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store-root", "/var/lib/inau/store")
	v.SetDefault("repo-root", "/var/lib/inau/repositories")
	v.SetDefault("makefiles-name", "cs/ds/makefiles")
	v.SetDefault("listen-addr", ":8013")
	v.SetDefault("ssh-user", "inau")
	v.SetDefault("install-user", "root")
	v.SetDefault("ssh-timeout", 30*time.Second)
	v.SetDefault("build-timeout-soft", 60*time.Minute)
	v.SetDefault("build-timeout-hard", 90*time.Minute)
	v.SetDefault("smtp-port", 25)
	v.SetDefault("mail-from", "inau@elettra.eu")
	v.SetDefault("mail-domain", "elettra.eu")
	v.SetDefault("log-level", "info")
}

// Load resolves configuration with flag > environment > file > default
// precedence. file may be empty.
func Load(flags *pflag.FlagSet, file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("INAU")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the serve command cannot run without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database-url is required")
	}
	if c.StoreRoot == "" {
		return fmt.Errorf("store-root is required")
	}
	if c.RepoRoot == "" {
		return fmt.Errorf("repo-root is required")
	}
	if c.MakefilesRepo == "" {
		return fmt.Errorf("makefiles-repo is required")
	}
	if c.SSHKey == "" {
		return fmt.Errorf("ssh-key is required")
	}
	return nil
}

// MailEnabled reports whether outgoing mail is configured.
func (c *Config) MailEnabled() bool {
	return c.SMTPHost != ""
}
