// Package config loads and validates cluster configuration, mirroring
// the teacher's LoadConfig pattern
// (sydneyli-distributePKI/src/distributepki/main.go) but over the
// field set spec.md §6 names.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/coreos/pkg/capnslog"

	"github.com/sydli/pbftkv/internal/types"
)

var log = capnslog.NewPackageLogger("github.com/sydli/pbftkv", "config")

// Config is the fully-resolved, validated configuration for a single
// replica process.
type Config struct {
	Self                  types.NodeId
	NumNodes              int
	NumFaulty             int
	PeerAddrs             map[types.NodeId]string
	PublicKeys            map[types.NodeId]ed25519.PublicKey
	PrivateKey            ed25519.PrivateKey
	CheckpointFrequency   uint64
	ViewChangeTimeoutBase time.Duration
}

// fileFormat is the on-disk JSON shape: hex-encoded keys so the file
// round-trips bit-exact (spec.md §6).
type fileFormat struct {
	Self                  types.NodeId      `json:"self"`
	NumNodes              int               `json:"num_nodes"`
	NumFaulty             int               `json:"num_faulty"`
	PeerAddrs             map[string]string `json:"peer_addrs"`
	PublicKeys            map[string]string `json:"public_keys"`
	PrivateKeyHex         string            `json:"private_key"`
	CheckpointFrequency   uint64            `json:"checkpoint_frequency"`
	ViewChangeTimeoutBase string            `json:"view_change_timeout_base"`
}

// Load reads and validates a cluster configuration file.
func Load(path string) (*Config, error) {
	log.Infof("reading cluster configuration from %s", path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := &Config{
		Self:                ff.Self,
		NumNodes:            ff.NumNodes,
		NumFaulty:           ff.NumFaulty,
		PeerAddrs:           map[types.NodeId]string{},
		PublicKeys:          map[types.NodeId]ed25519.PublicKey{},
		CheckpointFrequency: ff.CheckpointFrequency,
	}

	for k, v := range ff.PeerAddrs {
		id, err := parseNodeId(k)
		if err != nil {
			return nil, err
		}
		cfg.PeerAddrs[id] = v
	}
	for k, v := range ff.PublicKeys {
		id, err := parseNodeId(k)
		if err != nil {
			return nil, err
		}
		pub, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode public key for node %d: %w", id, err)
		}
		cfg.PublicKeys[id] = ed25519.PublicKey(pub)
	}
	if ff.PrivateKeyHex != "" {
		priv, err := hex.DecodeString(ff.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decode private key: %w", err)
		}
		cfg.PrivateKey = ed25519.PrivateKey(priv)
	}
	if ff.ViewChangeTimeoutBase != "" {
		d, err := time.ParseDuration(ff.ViewChangeTimeoutBase)
		if err != nil {
			return nil, fmt.Errorf("parse view_change_timeout_base: %w", err)
		}
		cfg.ViewChangeTimeoutBase = d
	} else {
		cfg.ViewChangeTimeoutBase = 5 * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseNodeId(s string) (types.NodeId, error) {
	var id uint32
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return types.NodeId(id), nil
}

// Validate enforces the "Safety-impossible" error kind of spec.md §7:
// n < 3f+1 must fail fast at bootstrap, never surface as a runtime
// protocol error.
func (c *Config) Validate() error {
	if c.NumNodes <= 0 {
		return fmt.Errorf("num_nodes must be positive, got %d", c.NumNodes)
	}
	if c.NumFaulty < 0 {
		return fmt.Errorf("num_faulty must be non-negative, got %d", c.NumFaulty)
	}
	if c.NumNodes < 3*c.NumFaulty+1 {
		return fmt.Errorf("n >= 3f+1 violated: n=%d f=%d", c.NumNodes, c.NumFaulty)
	}
	if len(c.PeerAddrs) != c.NumNodes {
		return fmt.Errorf("peer_addrs has %d entries, expected %d", len(c.PeerAddrs), c.NumNodes)
	}
	if c.CheckpointFrequency == 0 {
		return fmt.Errorf("checkpoint_frequency must be positive")
	}
	return nil
}

// QuorumPrepareCommit is 2f+1: the size of the vote set required to
// cross into "prepared" (I3) or "committed-local" (I4).
func (c *Config) QuorumPrepareCommit() int {
	return 2*c.NumFaulty + 1
}

// QuorumViewChange is also 2f+1: the number of matching ViewChange
// messages the new primary needs before issuing a NewView.
func (c *Config) QuorumViewChange() int {
	return 2*c.NumFaulty + 1
}
