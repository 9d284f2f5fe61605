// Package config loads the discard server configuration from flags and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultPort        = 8009
	DefaultBacklog     = 128
	DefaultGracePeriod = 10 * time.Second
)

const (
	keyHost        = "host"
	keyPort        = "port"
	keyTLSEnabled  = "tls_enabled"
	keyCertFile    = "tls_cert_file"
	keyKeyFile     = "tls_key_file"
	keyBacklog     = "backlog"
	keyKeepAlive   = "keep_alive"
	keyGracePeriod = "grace_period"
)

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	keyHost:        "HOST",
	keyPort:        "PORT",
	keyTLSEnabled:  "TLS_ENABLED",
	keyCertFile:    "TLS_CERT_FILE",
	keyKeyFile:     "TLS_KEY_FILE",
	keyBacklog:     "BACKLOG",
	keyKeepAlive:   "KEEP_ALIVE",
	keyGracePeriod: "GRACE_PERIOD",
}

// flagBindings maps config keys to the server command flags that set them.
var flagBindings = map[string]string{
	keyHost:        "host",
	keyPort:        "port",
	keyTLSEnabled:  "tls",
	keyCertFile:    "cert",
	keyKeyFile:     "key",
	keyBacklog:     "backlog",
	keyKeepAlive:   "keep-alive",
	keyGracePeriod: "grace-period",
}

// ServerConfig contains every option of the discard server. It is built once
// at startup and passed by value; nothing reads viper after that.
type ServerConfig struct {
	// Host or IP address to bind. Blank binds all interfaces.
	Host string `mapstructure:"host"`
	// TCP port to listen on.
	Port int `mapstructure:"port"`
	// Wrap every accepted connection with TLS.
	TLSEnabled bool `mapstructure:"tls_enabled"`
	// PEM certificate and key. When TLS is enabled and both are blank a
	// self-signed certificate is generated.
	CertFile string `mapstructure:"tls_cert_file"`
	KeyFile  string `mapstructure:"tls_key_file"`
	// Pending connection queue length. Zero uses the platform default.
	Backlog int `mapstructure:"backlog"`
	// Enable TCP keep-alive on accepted connections.
	KeepAlive bool `mapstructure:"keep_alive"`
	// How long shutdown waits for peers to disconnect before force closing.
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// RegisterServerFlags adds the server flags to fs.
func RegisterServerFlags(fs *pflag.FlagSet) {
	fs.String("host", "", "host or IP address to bind")
	fs.IntP("port", "p", DefaultPort, "port to listen on")
	fs.Bool("tls", false, "enable TLS on accepted connections")
	fs.String("cert", "", "path to the TLS certificate (PEM)")
	fs.String("key", "", "path to the TLS private key (PEM)")
	fs.Int("backlog", DefaultBacklog, "listen backlog, 0 for the platform default")
	fs.Bool("keep-alive", true, "enable TCP keep-alive on accepted connections")
	fs.Duration("grace-period", DefaultGracePeriod, "time to wait for connections to close on shutdown")
}

// NewViper returns a viper instance with defaults, environment variables and,
// when fs is not nil, the server flags bound to the config keys.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault(keyHost, "")
	v.SetDefault(keyPort, DefaultPort)
	v.SetDefault(keyTLSEnabled, false)
	v.SetDefault(keyBacklog, DefaultBacklog)
	v.SetDefault(keyKeepAlive, true)
	v.SetDefault(keyGracePeriod, DefaultGracePeriod)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s to %s: %w", key, env, err)
		}
	}

	if fs == nil {
		return v, nil
	}
	for key, name := range flagBindings {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("binding %s to --%s: %w", key, name, err)
		}
	}
	return v, nil
}

// Load unmarshals and validates the server configuration held by v.
func Load(v *viper.Viper) (ServerConfig, error) {
	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid option.
func (c ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if c.Backlog < 0 {
		return fmt.Errorf("invalid backlog %d: must not be negative", c.Backlog)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("invalid grace period %s: must not be negative", c.GracePeriod)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("TLS certificate and key must be set together (--cert and --key)")
	}
	return nil
}

// Address returns the host:port the server binds.
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
