// Package config loads the YAML configuration of an ocppmesh node.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"ocppmesh/internal/crypto"
	"ocppmesh/internal/proto"
	"ocppmesh/internal/router"
	"ocppmesh/internal/signature"
)

const (
	DefaultHeartbeatInterval = 300
	DefaultSnapshotInterval  = time.Second
	DefaultRequestTimeout    = 30 * time.Second
)

type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Listen     ListenConfig     `yaml:"listen"`
	Upstream   []Upstream       `yaml:"upstream"`
	Forwarding ForwardingConfig `yaml:"forwarding"`
	Requests   RequestsConfig   `yaml:"requests"`
	Signing    SigningConfig    `yaml:"signing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Responder  ResponderConfig  `yaml:"responder"`
	TLS        TLSConfig        `yaml:"tls"`
	// Logging is a loggo config string such as "ocppmesh.router=DEBUG".
	Logging string `yaml:"logging"`

	path string
}

type NodeConfig struct {
	// ID defaults to an id derived from the node's public key.
	ID      string   `yaml:"id"`
	Home    string   `yaml:"home"`
	Anycast []string `yaml:"anycast"`
}

type ListenConfig struct {
	WebSocket string `yaml:"websocket"`
	// LocalID is who this node is to standard-mode WebSocket clients;
	// a local controller sets it to the CSMS id its stations expect.
	LocalID       string `yaml:"local_id"`
	QUIC          string `yaml:"quic"`
	Metrics       string `yaml:"metrics"`
	MaxConnsPerIP int    `yaml:"max_conns_per_ip"`
}

// Upstream is a connection this node dials and keeps open.
type Upstream struct {
	URL    string `yaml:"url"`
	PeerID string `yaml:"peer_id"`
	// LocalID is the identity presented to the upstream; defaults to the
	// node id.
	LocalID  string `yaml:"local_id"`
	Multihop bool   `yaml:"multihop"`
	Binary   bool   `yaml:"binary"`
	// Default makes the upstream the route for unknown destinations.
	Default bool `yaml:"default"`
}

type ForwardingConfig struct {
	Default string        `yaml:"default"`
	MaxHops int           `yaml:"max_hops"`
	Rules   []ForwardRule `yaml:"rules"`
}

// ForwardRule is a static filter: requests for Action (or "*") get Result.
type ForwardRule struct {
	Action string `yaml:"action"`
	Result string `yaml:"result"`
	Reason string `yaml:"reason"`
}

type RequestsConfig struct {
	Timeout Duration `yaml:"timeout"`
}

type SigningConfig struct {
	KeyBits int `yaml:"key_bits"`
	// Rules decode by lower-cased field name: action, sign, require.
	Rules []signature.Rule `yaml:"rules"`
	Keys  []KeyFile        `yaml:"keys"`
}

// KeyFile names a peer public key trusted for signature verification.
type KeyFile struct {
	ID   string `yaml:"id"`
	File string `yaml:"file"`
}

type MetricsConfig struct {
	Snapshot string   `yaml:"snapshot"`
	Interval Duration `yaml:"interval"`
}

// ResponderConfig enables the built-in central system handlers.
type ResponderConfig struct {
	Enabled           bool              `yaml:"enabled"`
	HeartbeatInterval int               `yaml:"heartbeat_interval"`
	Configuration     map[string]string `yaml:"configuration"`
}

// TLSConfig holds the certificates for QUIC and wss. Empty cert and key
// use the built-in development certificate.
type TLSConfig struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	CA       string `yaml:"ca"`
	Insecure bool   `yaml:"insecure"`
}

// Duration reads Go duration strings such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.Trace(err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return errors.NotValidf("duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads path, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("config file %q", path)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "loading %s", path)
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.NotValidf("yaml: %v", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Path is the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) applyDefaults() error {
	if c.Node.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Annotate(err, "no node.home and no user home directory")
		}
		c.Node.Home = filepath.Join(home, ".ocppmesh")
	}
	if c.Forwarding.Default == "" {
		c.Forwarding.Default = "forward"
	}
	if c.Forwarding.MaxHops == 0 {
		c.Forwarding.MaxHops = proto.DefaultMaxHops
	}
	if c.Requests.Timeout == 0 {
		c.Requests.Timeout = Duration(DefaultRequestTimeout)
	}
	if c.Signing.KeyBits == 0 {
		c.Signing.KeyBits = crypto.DefaultRSABits
	}
	if c.Metrics.Snapshot == "" {
		c.Metrics.Snapshot = filepath.Join(c.Node.Home, "metrics.json")
	}
	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = Duration(DefaultSnapshotInterval)
	}
	if c.Responder.HeartbeatInterval == 0 {
		c.Responder.HeartbeatInterval = DefaultHeartbeatInterval
	}
	for _, f := range []*string{&c.TLS.Cert, &c.TLS.Key, &c.TLS.CA} {
		if *f != "" && !filepath.IsAbs(*f) {
			*f = filepath.Join(c.Node.Home, *f)
		}
	}
	for i := range c.Signing.Keys {
		if f := c.Signing.Keys[i].File; f != "" && !filepath.IsAbs(f) {
			c.Signing.Keys[i].File = filepath.Join(c.Node.Home, f)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := c.DefaultResult(); err != nil {
		return errors.Annotate(err, "forwarding.default")
	}
	if c.Forwarding.MaxHops < 0 {
		return errors.NotValidf("forwarding.max_hops %d", c.Forwarding.MaxHops)
	}
	for i, r := range c.Forwarding.Rules {
		if r.Action == "" {
			return errors.NotValidf("forwarding.rules[%d] without action", i)
		}
		if _, err := router.ParseResult(r.Result); err != nil {
			return errors.Annotatef(err, "forwarding.rules[%d]", i)
		}
	}
	if c.Requests.Timeout < 0 {
		return errors.NotValidf("requests.timeout %s", c.Requests.Timeout.Std())
	}
	if c.Signing.KeyBits < crypto.MinRSABits {
		return errors.NotValidf("signing.key_bits %d (minimum %d)", c.Signing.KeyBits, crypto.MinRSABits)
	}
	for i, r := range c.Signing.Rules {
		if r.Action == "" {
			return errors.NotValidf("signing.rules[%d] without action", i)
		}
	}
	for i, k := range c.Signing.Keys {
		if k.File == "" {
			return errors.NotValidf("signing.keys[%d] without file", i)
		}
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return errors.NotValidf("tls.cert without tls.key")
	}
	seen := make(map[string]bool)
	defaults := 0
	for i, up := range c.Upstream {
		u, err := url.Parse(up.URL)
		if err != nil || u.Host == "" {
			return errors.NotValidf("upstream[%d] url %q", i, up.URL)
		}
		switch u.Scheme {
		case "ws", "wss", "quic":
		default:
			return errors.NotValidf("upstream[%d] scheme %q", i, u.Scheme)
		}
		if up.PeerID == "" {
			return errors.NotValidf("upstream[%d] without peer_id", i)
		}
		if seen[up.PeerID] {
			return errors.AlreadyExistsf("upstream peer %q", up.PeerID)
		}
		seen[up.PeerID] = true
		if up.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.NotValidf("%d default upstreams", defaults)
	}
	if c.Metrics.Interval < 0 {
		return errors.NotValidf("metrics.interval %s", c.Metrics.Interval.Std())
	}
	return nil
}

func (c *Config) DefaultResult() (router.Result, error) {
	res, err := router.ParseResult(c.Forwarding.Default)
	if err != nil {
		return 0, err
	}
	if res == router.Drop {
		return 0, errors.NotValidf("default forwarding result %q", c.Forwarding.Default)
	}
	return res, nil
}

// FilterRules turns the configured static rules into router filters, in
// file order.
func (c *Config) FilterRules() []router.FilterRule {
	out := make([]router.FilterRule, 0, len(c.Forwarding.Rules))
	for _, r := range c.Forwarding.Rules {
		res, err := router.ParseResult(r.Result)
		if err != nil {
			continue
		}
		out = append(out, router.FilterRule{Action: r.Action, Filter: router.Static(res, r.Reason)})
	}
	return out
}

// AnycastIDs returns node.anycast as node ids.
func (c *Config) AnycastIDs() []proto.NodeID {
	out := make([]proto.NodeID, 0, len(c.Node.Anycast))
	for _, id := range c.Node.Anycast {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, proto.NodeID(id))
		}
	}
	return out
}
