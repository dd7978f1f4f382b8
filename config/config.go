// Package config handles descriptors.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the configuration file looked up by Load.
const FileName = "descriptors.toml"

// Config represents a descriptors.toml configuration.
type Config struct {
	Heap        Heap        `toml:"heap"`
	Descriptors Descriptors `toml:"descriptors"`
	LookupCache LookupCache `toml:"lookup-cache"`
	Marking     Marking     `toml:"marking"`
	Log         Log         `toml:"log"`

	// Dir is the directory containing the descriptors.toml file (set at load time).
	Dir string `toml:"-"`
}

// Heap configures the allocation budget.
type Heap struct {
	// MaxSlots is the allocation budget in tagged slots. Zero means unlimited.
	MaxSlots int `toml:"max-slots"`
}

// Descriptors configures descriptor array growth and consistency checks.
type Descriptors struct {
	DefaultSlack int  `toml:"default-slack"`
	DebugChecks  bool `toml:"debug-checks"`
	SlowChecks   bool `toml:"slow-checks"`
}

// LookupCache configures the descriptor lookup cache.
type LookupCache struct {
	Size int `toml:"size"`
}

// Marking configures incremental marking.
type Marking struct {
	StepBudget int `toml:"step-budget"`
}

// Log configures logging verbosity.
type Log struct {
	Verbosity int `toml:"verbosity"`
}

// Default returns the configuration used when no descriptors.toml exists.
func Default() *Config {
	return &Config{
		Heap:        Heap{MaxSlots: 1 << 20},
		Descriptors: Descriptors{DefaultSlack: 1, DebugChecks: true},
		LookupCache: LookupCache{Size: 64},
		Marking:     Marking{StepBudget: 64},
	}
}

// Load parses a descriptors.toml file from the given directory.
// Keys missing from the file keep their Default values.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a descriptors.toml file,
// then loads and returns it. Returns Default() if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return Default(), nil
		}
		dir = parent
	}
}

// Validate rejects settings the heap cannot honor.
func (c *Config) Validate() error {
	if c.Heap.MaxSlots < 0 {
		return fmt.Errorf("heap.max-slots must not be negative (got %d)", c.Heap.MaxSlots)
	}
	if c.Descriptors.DefaultSlack < 0 {
		return fmt.Errorf("descriptors.default-slack must not be negative (got %d)", c.Descriptors.DefaultSlack)
	}
	if c.LookupCache.Size <= 0 {
		return fmt.Errorf("lookup-cache.size must be positive (got %d)", c.LookupCache.Size)
	}
	if c.Marking.StepBudget <= 0 {
		return fmt.Errorf("marking.step-budget must be positive (got %d)", c.Marking.StepBudget)
	}
	return nil
}
