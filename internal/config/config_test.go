package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"

	"ocppmesh/internal/crypto"
	"ocppmesh/internal/proto"
	"ocppmesh/internal/router"
	"ocppmesh/internal/signature"
)

const fullConfig = `
node:
  id: LC-1
  home: /var/lib/ocppmesh
  anycast: [CSMS, " ", LC]
listen:
  websocket: ":8180"
  local_id: CSMS
  quic: ":8443"
  metrics: "127.0.0.1:9100"
  max_conns_per_ip: 4
upstream:
  - url: quic://csms.example.com:8443
    peer_id: CSMS-MAIN
    multihop: true
    binary: true
    default: true
forwarding:
  default: reject
  max_hops: 4
  rules:
    - action: Heartbeat
      result: forward
    - action: "*"
      result: drop
      reason: Maintenance
requests:
  timeout: 45s
signing:
  key_bits: 2048
  rules:
    - action: BootNotification
      sign: true
      require: true
  keys:
    - id: csms
      file: keys/csms.pub.hex
metrics:
  interval: 5s
responder:
  enabled: true
  configuration:
    HeartbeatInterval: "60"
tls:
  cert: tls/node.crt
  key: /etc/ocppmesh/node.key
logging: ocppmesh.router=DEBUG
`

func TestParseFull(t *testing.T) {
	c := qt.New(t)
	cfg, err := Parse([]byte(fullConfig))
	c.Assert(err, qt.IsNil)

	c.Check(cfg.Node.ID, qt.Equals, "LC-1")
	c.Check(cfg.AnycastIDs(), qt.DeepEquals, []proto.NodeID{"CSMS", "LC"})
	c.Check(cfg.Listen.LocalID, qt.Equals, "CSMS")
	c.Check(cfg.Listen.MaxConnsPerIP, qt.Equals, 4)
	c.Check(cfg.Upstream, qt.DeepEquals, []Upstream{{
		URL:      "quic://csms.example.com:8443",
		PeerID:   "CSMS-MAIN",
		Multihop: true,
		Binary:   true,
		Default:  true,
	}})
	c.Check(cfg.Forwarding.MaxHops, qt.Equals, 4)
	c.Check(cfg.Requests.Timeout.Std(), qt.Equals, 45*time.Second)
	c.Check(cfg.Signing.Rules, qt.DeepEquals, []signature.Rule{{Action: "BootNotification", Sign: true, Require: true}})
	c.Check(cfg.Signing.Keys[0].File, qt.Equals, "/var/lib/ocppmesh/keys/csms.pub.hex")
	c.Check(cfg.Metrics.Snapshot, qt.Equals, "/var/lib/ocppmesh/metrics.json")
	c.Check(cfg.Metrics.Interval.Std(), qt.Equals, 5*time.Second)
	c.Check(cfg.Responder.HeartbeatInterval, qt.Equals, DefaultHeartbeatInterval)
	c.Check(cfg.Responder.Configuration, qt.DeepEquals, map[string]string{"HeartbeatInterval": "60"})
	c.Check(cfg.Logging, qt.Equals, "ocppmesh.router=DEBUG")
	c.Check(cfg.TLS, qt.DeepEquals, TLSConfig{Cert: "/var/lib/ocppmesh/tls/node.crt", Key: "/etc/ocppmesh/node.key"})

	res, err := cfg.DefaultResult()
	c.Assert(err, qt.IsNil)
	c.Check(res, qt.Equals, router.Reject)
}

func TestParseDefaults(t *testing.T) {
	c := qt.New(t)
	cfg, err := Parse([]byte("node:\n  home: /tmp/n1\n"))
	c.Assert(err, qt.IsNil)

	res, err := cfg.DefaultResult()
	c.Assert(err, qt.IsNil)
	c.Check(res, qt.Equals, router.Forward)
	c.Check(cfg.Forwarding.MaxHops, qt.Equals, proto.DefaultMaxHops)
	c.Check(cfg.Requests.Timeout.Std(), qt.Equals, DefaultRequestTimeout)
	c.Check(cfg.Signing.KeyBits, qt.Equals, crypto.DefaultRSABits)
	c.Check(cfg.Metrics.Snapshot, qt.Equals, "/tmp/n1/metrics.json")
	c.Check(cfg.Metrics.Interval.Std(), qt.Equals, DefaultSnapshotInterval)
	c.Check(cfg.FilterRules(), qt.HasLen, 0)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		about string
		yaml  string
		err   string
	}{{
		about: "not yaml",
		yaml:  "node: [",
		err:   `yaml: .* not valid`,
	}, {
		about: "default drop",
		yaml:  "forwarding: {default: drop}",
		err:   `forwarding.default: default forwarding result "drop" not valid`,
	}, {
		about: "unknown default",
		yaml:  "forwarding: {default: maybe}",
		err:   `forwarding.default: forwarding result "maybe" not valid`,
	}, {
		about: "rule without action",
		yaml:  "forwarding: {rules: [{result: drop}]}",
		err:   `forwarding.rules\[0\] without action not valid`,
	}, {
		about: "rule result",
		yaml:  "forwarding: {rules: [{action: Heartbeat, result: replace}]}",
		err:   `forwarding.rules\[0\]: forwarding result "replace" not valid`,
	}, {
		about: "bad duration",
		yaml:  "requests: {timeout: soon}",
		err:   `yaml: .*duration "soon" not valid.*`,
	}, {
		about: "small key",
		yaml:  "signing: {key_bits: 1024}",
		err:   `signing.key_bits 1024 \(minimum 2048\) not valid`,
	}, {
		about: "upstream scheme",
		yaml:  "upstream: [{url: 'http://x:1', peer_id: A}]",
		err:   `upstream\[0\] scheme "http" not valid`,
	}, {
		about: "upstream without peer",
		yaml:  "upstream: [{url: 'ws://x:1/ocpp'}]",
		err:   `upstream\[0\] without peer_id not valid`,
	}, {
		about: "duplicate upstream",
		yaml:  "upstream: [{url: 'ws://x:1', peer_id: A}, {url: 'ws://y:1', peer_id: A}]",
		err:   `upstream peer "A" already exists`,
	}, {
		about: "cert without key",
		yaml:  "tls: {cert: node.crt}",
		err:   `tls.cert without tls.key not valid`,
	}, {
		about: "two defaults",
		yaml:  "upstream: [{url: 'ws://x:1', peer_id: A, default: true}, {url: 'ws://y:1', peer_id: B, default: true}]",
		err:   `2 default upstreams not valid`,
	}}
	for _, test := range tests {
		t.Run(test.about, func(t *testing.T) {
			c := qt.New(t)
			_, err := Parse([]byte("node: {home: /tmp/x}\n" + test.yaml))
			if test.about == "not yaml" {
				_, err = Parse([]byte(test.yaml))
			}
			c.Assert(err, qt.ErrorMatches, test.err)
		})
	}
}

func TestFilterRules(t *testing.T) {
	c := qt.New(t)
	cfg, err := Parse([]byte(fullConfig))
	c.Assert(err, qt.IsNil)

	rules := cfg.FilterRules()
	c.Assert(rules, qt.HasLen, 2)
	c.Check(rules[0].Action, qt.Equals, "Heartbeat")
	d := rules[0].Filter(context.Background(), &router.ForwardRequest{}, nil)
	c.Check(d.Result, qt.Equals, router.Forward)

	c.Check(rules[1].Action, qt.Equals, router.Wildcard)
	d = rules[1].Filter(context.Background(), &router.ForwardRequest{}, nil)
	c.Check(d.Result, qt.Equals, router.Drop)
	c.Check(d.Reason, qt.Equals, "Maintenance")
}

func TestLoad(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	c.Check(errors.Is(err, errors.NotFound), qt.IsTrue)

	path := filepath.Join(dir, "node.yaml")
	c.Assert(os.WriteFile(path, []byte("node: {id: CSMS, home: "+dir+"}\n"), 0o600), qt.IsNil)
	cfg, err := Load(path)
	c.Assert(err, qt.IsNil)
	c.Check(cfg.Node.ID, qt.Equals, "CSMS")
	c.Check(cfg.Path(), qt.Equals, path)

	c.Assert(os.WriteFile(path, []byte("forwarding: {default: drop}\n"), 0o600), qt.IsNil)
	_, err = Load(path)
	c.Check(err, qt.ErrorMatches, `loading .*node.yaml: forwarding.default: .*`)
}

func TestWatchReloads(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	path := filepath.Join(dir, "node.yaml")
	c.Assert(os.WriteFile(path, []byte("node: {home: "+dir+", anycast: [A]}\n"), 0o600), qt.IsNil)

	got := make(chan *Config, 16)
	w, err := Watch(path, func(cfg *Config) { got <- cfg })
	c.Assert(err, qt.IsNil)
	defer func() { c.Check(w.Close(), qt.IsNil) }()

	// An invalid edit is skipped, the next valid one delivered.
	c.Assert(os.WriteFile(path, []byte("forwarding: {default: drop}\n"), 0o600), qt.IsNil)
	c.Assert(os.WriteFile(path, []byte("node: {home: "+dir+", anycast: [A, B]}\n"), 0o600), qt.IsNil)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-got:
			if len(cfg.AnycastIDs()) == 2 {
				c.Check(cfg.AnycastIDs(), qt.DeepEquals, []proto.NodeID{"A", "B"})
				return
			}
		case <-timeout:
			c.Fatalf("config change not delivered")
		}
	}
}
