// Package engineconfig loads the engine's configuration document and
// layers per-component option bags over a shared "common" block, the
// shape the external driver feeds into the scheduler at startup.
package engineconfig

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/MITRECND/d20/internal/d20err"
)

// Config is the core's own parallelism/grace-time/scratch-space contract;
// Load builds one from a config document's top-level `d20` block.
type Config struct {
	Parallelism int
	GraceTime   time.Duration
	TempDir     string
}

// Default returns the documented defaults: one clone slot per logical
// CPU, a one second quiescence grace window, a d20 directory under the OS
// temp directory.
func Default() Config {
	return Config{
		Parallelism: runtime.NumCPU(),
		GraceTime:   time.Second,
		TempDir:     filepath.Join(os.TempDir(), "d20"),
	}
}

// Document mirrors the `d20`/`common`/`NPCS`/`Players`/`BackStories`/
// `Actions`/`Screens` top-level document shape: per-kind sections mapping
// component name to an option bag.
type Document struct {
	D20         D20Section                `yaml:"d20"`
	Common      map[string]any            `yaml:"common"`
	NPCS        map[string]map[string]any `yaml:"NPCS"`
	Players     map[string]map[string]any `yaml:"Players"`
	BackStories map[string]map[string]any `yaml:"BackStories"`
	Actions     map[string]map[string]any `yaml:"Actions"`
	Screens     map[string]map[string]any `yaml:"Screens"`
}

// D20Section is the engine's own top-level block.
type D20Section struct {
	SearchPaths []string `yaml:"extraComponentPaths"`
	GraceTime   int      `yaml:"graceTime"`
	Temporary   string   `yaml:"temporary"`
}

// Load reads a YAML config document from path using viper for key
// layering, and returns both the engine Config and the merged
// per-component option bags (common merged under each component's own
// keys, common losing on conflict).
func Load(path string) (Config, Document, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetEnvPrefix("D20")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, Document{}, d20err.Wrap(d20err.KindInvariant, "engineconfig.Load", path, err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, Document{}, d20err.Wrap(d20err.KindInvariant, "engineconfig.Load", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, Document{}, d20err.Wrap(d20err.KindInvariant, "engineconfig.Load", path, err)
	}

	cfg := Default()
	if v.IsSet("d20.graceTime") {
		cfg.GraceTime = time.Duration(v.GetInt("d20.graceTime")) * time.Second
	}
	if v.IsSet("d20.temporary") {
		cfg.TempDir = v.GetString("d20.temporary")
	}
	if v.IsSet("d20.parallelism") {
		cfg.Parallelism = v.GetInt("d20.parallelism")
	}

	MergeCommon(doc.NPCS, doc.Common)
	MergeCommon(doc.Players, doc.Common)
	MergeCommon(doc.BackStories, doc.Common)
	MergeCommon(doc.Actions, doc.Common)
	MergeCommon(doc.Screens, doc.Common)

	return cfg, doc, nil
}

// MergeCommon merges common into every per-component bag in sections,
// with common losing precedence to any key the component already set
// explicitly.
func MergeCommon(sections map[string]map[string]any, common map[string]any) {
	for name, bag := range sections {
		for k, v := range common {
			if _, set := bag[k]; !set {
				bag[k] = v
			}
		}
		sections[name] = bag
	}
}

// LoadComponentOptionsTOML reads an Actions/Screens-style option file in
// TOML rather than YAML, accommodating components that ship their own
// standalone option file instead of embedding a bag in the main document.
func LoadComponentOptionsTOML(path string) (map[string]any, error) {
	var opts map[string]any
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return nil, d20err.Wrap(d20err.KindInvariant, "engineconfig.LoadComponentOptionsTOML", path, err)
	}
	return opts, nil
}
