// Package config loads the relay configuration.
//
// The file holds a single "general" section. YAML is read as is; files
// ending in .json, .jsonc or .jcfg may carry comments and trailing commas,
// which are stripped before decoding.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/glimte/rabbitevh/contracts"
	"github.com/glimte/rabbitevh/internal/rabbitmq"
	"github.com/glimte/rabbitevh/serialization"
)

// ErrMissingRouteKey is returned by Validate when route_key is empty
var ErrMissingRouteKey = errors.New("config: missing route_key")

// Config is the relay configuration
type Config struct {
	// Enabled turns the relay on. A disabled relay refuses to start.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// JSON selects the body layout: indented, plain or compact.
	// Unknown values fall back to indented.
	JSON string `yaml:"json" json:"json"`

	// Events is the comma separated list of event types to relay,
	// or "all" / "none".
	Events string `yaml:"events" json:"events"`

	// Grouping sends up to 100 queued events per message as a JSON array.
	Grouping bool `yaml:"grouping" json:"grouping"`

	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	VHost    string `yaml:"vhost" json:"vhost"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`

	// Heartbeat in seconds. 0 turns off the heartbeat monitor and with it
	// reconnects; the AMQP heartbeat is then whatever the broker proposes.
	Heartbeat int `yaml:"heartbeat" json:"heartbeat"`

	SSLEnable         bool   `yaml:"ssl_enable" json:"ssl_enable"`
	SSLCACert         string `yaml:"ssl_cacert" json:"ssl_cacert"`
	SSLCert           string `yaml:"ssl_cert" json:"ssl_cert"`
	SSLKey            string `yaml:"ssl_key" json:"ssl_key"`
	SSLVerifyPeer     bool   `yaml:"ssl_verify_peer" json:"ssl_verify_peer"`
	SSLVerifyHostname bool   `yaml:"ssl_verify_hostname" json:"ssl_verify_hostname"`

	// RouteKey is required. It is the routing key of every message and
	// the name of the declared outgoing queue.
	RouteKey string `yaml:"route_key" json:"route_key"`

	// Exchange is empty for the default exchange.
	Exchange             string `yaml:"exchange" json:"exchange"`
	ExchangeType         string `yaml:"exchange_type" json:"exchange_type"`
	DeclareOutgoingQueue bool   `yaml:"declare_outgoing_queue" json:"declare_outgoing_queue"`

	// Compression of message bodies: none or gzip.
	Compression string `yaml:"compression" json:"compression"`
}

type file struct {
	General *Config `yaml:"general" json:"general"`
}

// Default returns the configuration used for keys the file leaves out
func Default() *Config {
	return &Config{
		JSON:                 serialization.FormatIndented.String(),
		Events:               "all",
		Grouping:             true,
		Host:                 "localhost",
		Port:                 rabbitmq.DefaultPort,
		VHost:                "/",
		Username:             "guest",
		Password:             "guest",
		ExchangeType:         rabbitmq.DefaultExchangeType,
		DeclareOutgoingQueue: true,
		Compression:          "none",
	}
}

// Load reads and validates the file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg, err := Parse(data, isJSON(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document on top of the defaults. A JSONC
// document has its comments and trailing commas stripped and is decoded as
// JSON; anything else is decoded as YAML.
func Parse(data []byte, isJSONC bool) (*Config, error) {
	unmarshal := yaml.Unmarshal
	if isJSONC {
		data = jsonc.ToJSON(data)
		unmarshal = json.Unmarshal
	}

	f := file{General: Default()}
	if err := unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if f.General == nil {
		f.General = Default()
	}

	if err := f.General.Validate(); err != nil {
		return nil, err
	}
	return f.General, nil
}

func isJSON(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc", ".jcfg":
		return true
	}
	return false
}

// Validate checks the values that would make the relay fail later
func (c *Config) Validate() error {
	if c.RouteKey == "" {
		return ErrMissingRouteKey
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.Heartbeat < 0 || c.Heartbeat > 65535 {
		return fmt.Errorf("config: invalid heartbeat %d", c.Heartbeat)
	}
	if _, err := contracts.ParseMask(c.Events); err != nil {
		return fmt.Errorf("config: events: %w", err)
	}
	if _, err := serialization.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.SSLEnable && (c.SSLCert == "") != (c.SSLKey == "") {
		return errors.New("config: ssl_cert and ssl_key must be set together")
	}
	return nil
}

// Endpoint returns the broker connection settings
func (c *Config) Endpoint() rabbitmq.Endpoint {
	ep := rabbitmq.Endpoint{
		Host:      c.Host,
		Port:      c.Port,
		VHost:     c.VHost,
		Username:  c.Username,
		Password:  c.Password,
		Heartbeat: c.HeartbeatInterval(),
	}
	if c.SSLEnable {
		ep.TLS = &rabbitmq.TLSOptions{
			CACertFile:     c.SSLCACert,
			CertFile:       c.SSLCert,
			KeyFile:        c.SSLKey,
			VerifyPeer:     c.SSLVerifyPeer,
			VerifyHostname: c.SSLVerifyHostname,
		}
	}
	return ep
}

// Topology returns what is declared on every connect
func (c *Config) Topology() rabbitmq.Topology {
	return rabbitmq.Topology{
		Exchange:     c.Exchange,
		ExchangeType: c.ExchangeType,
		RoutingKey:   c.RouteKey,
		DeclareQueue: c.DeclareOutgoingQueue,
	}
}

// HeartbeatInterval returns the heartbeat as a duration
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat) * time.Second
}

// Mask returns the parsed event filter. Validate reports parse errors.
func (c *Config) Mask() contracts.EventType {
	mask, _ := contracts.ParseMask(c.Events)
	return mask
}
