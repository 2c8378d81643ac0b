// Package dbconfig implements the on-disk configuration object of spec.md
// §6: "a config object containing {path, orgId, port, peers, registry,
// trusted}", TOML-encoded, grounded on dolthub-dolt/go/config's
// find-walking-up-directories convention (config_test.go's FindNomsConfig).
package dbconfig

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// FileName is the config file name FindConfig walks upward looking for,
// mirroring dolthub-dolt/go/config's NomsConfigFile convention.
const FileName = "goatdb.toml"

// ErrNoConfig is returned by FindConfig when no FileName is found walking
// up from the starting directory to the filesystem root (spec.md §6
// "CLI surface"; mirrors dolt's config.NoConfig sentinel).
var ErrNoConfig = errors.New("no goatdb.toml found")

// ErrConfigurationInvalid marks a config.toml whose contents cannot be
// decoded or fail validation (spec.md §7 "Fatal errors").
var ErrConfigurationInvalid = errors.New("configuration invalid")

// Config is the core's view of the external collaborator's config object
// (spec.md §6): everything the replication/merge engine needs to open a
// repository and start syncing with peers.
type Config struct {
	// Path is the repository's on-disk directory (spec.md §4.4 "open(path)").
	Path string `toml:"path"`
	// OrgID scopes sessions and commits to a tenant (spec.md §3 "Commit").
	OrgID string `toml:"orgId"`
	// Port is the local sync server's listen port (served by the external
	// transport; this package only carries the value through).
	Port int `toml:"port"`
	// Peers is the set of peer base URLs the sync scheduler dials
	// (spec.md §4.7: "one scheduler per peer").
	Peers []string `toml:"peers"`
	// Registry names the schema registry manifest to load at startup
	// (spec.md §9 "process-wide schema registry").
	Registry string `toml:"registry"`
	// Trusted disables per-commit signature verification, for single-writer
	// or fully-trusted deployments (spec.md §4.4 Open(..., trusted bool)).
	Trusted bool `toml:"trusted"`

	// file is the absolute path Config was loaded from, set by Load/FindConfig.
	file string
}

// File returns the absolute path this Config was loaded from, or "" for a
// Config built directly rather than loaded from disk.
func (c *Config) File() string { return c.file }

// Load decodes a Config from the TOML file at path.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, errors.Wrapf(ErrConfigurationInvalid, "%s: %s", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "resolve config path")
	}
	c.file = abs
	return &c, nil
}

// FindConfig walks upward from startDir looking for FileName, the way
// dolthub-dolt/go/config.FindNomsConfig walks upward looking for
// NomsConfigFile, stopping at the filesystem root.
func FindConfig(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve start directory")
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNoConfig
		}
		dir = parent
	}
}

// WriteTo writes c as TOML to dir/FileName, returning the written path.
func (c *Config) WriteTo(dir string) (string, error) {
	path := filepath.Join(dir, FileName)
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "create config file")
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return "", errors.Wrap(err, "encode config")
	}
	return path, nil
}

func (c *Config) validate() error {
	if c.Path == "" {
		return errors.Wrap(ErrConfigurationInvalid, "path is required")
	}
	if c.OrgID == "" {
		return errors.Wrap(ErrConfigurationInvalid, "orgId is required")
	}
	return nil
}

// TestSelection reports the test-selection environment variables spec.md
// §6 names as something the core reads directly: GOATDB_SUITE and
// GOATDB_TEST.
func TestSelection() (suite, test string) {
	return os.Getenv("GOATDB_SUITE"), os.Getenv("GOATDB_TEST")
}
