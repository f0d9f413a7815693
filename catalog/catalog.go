// Package catalog holds the read-only runtime catalogue: the mapping from a
// runtime key (python, node, gcc, ...) to the command templates and source
// file name the runner needs. Adding a language is a data change in
// runtimes.yaml, not a code change.
package catalog

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed runtimes.yaml
var embeddedRuntimes []byte

// Placeholders substituted into command templates.
const (
	// PlaceholderSrc expands to the absolute path of the written source file.
	PlaceholderSrc = "${SRC}"
	// PlaceholderBin expands to the compile output path inside the scratch dir.
	PlaceholderBin = "${BIN}"
	// PlaceholderDir expands to the scratch directory path.
	PlaceholderDir = "${DIR}"
)

// Descriptor describes how to compile and run one runtime.
type Descriptor struct {
	// Key is the runtime key, e.g. "python", "gcc".
	Key string `yaml:"key"`
	// FileName is the canonical source file name, e.g. "main.py".
	FileName string `yaml:"file_name"`
	// Compile is the compile command template. Empty for interpreted runtimes.
	Compile []string `yaml:"compile,omitempty"`
	// Run is the run command template.
	Run []string `yaml:"run"`
}

// Compiled reports whether the runtime requires a compile step.
func (d *Descriptor) Compiled() bool {
	return len(d.Compile) > 0
}

// Catalog is an immutable runtime descriptor table.
type Catalog struct {
	byKey map[string]*Descriptor
}

// Load parses a YAML descriptor table.
// Exposed for tests that need runtimes outside the shipped set.
func Load(data []byte) (*Catalog, error) {
	var doc struct {
		Runtimes []*Descriptor `yaml:"runtimes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: invalid YAML: %w", err)
	}

	byKey := make(map[string]*Descriptor, len(doc.Runtimes))
	for _, d := range doc.Runtimes {
		if d.Key == "" {
			return nil, fmt.Errorf("catalog: descriptor missing key")
		}
		if d.FileName == "" {
			return nil, fmt.Errorf("catalog: runtime %q missing file_name", d.Key)
		}
		if len(d.Run) == 0 {
			return nil, fmt.Errorf("catalog: runtime %q missing run command", d.Key)
		}
		if _, dup := byKey[d.Key]; dup {
			return nil, fmt.Errorf("catalog: duplicate runtime %q", d.Key)
		}
		byKey[d.Key] = d
	}
	return &Catalog{byKey: byKey}, nil
}

// Default loads the embedded runtime table.
func Default() (*Catalog, error) {
	return Load(embeddedRuntimes)
}

// Lookup returns the descriptor for a runtime key, or false if the key is
// outside the supported set.
func (c *Catalog) Lookup(key string) (*Descriptor, bool) {
	d, ok := c.byKey[key]
	return d, ok
}

// Keys returns the supported runtime keys in no particular order.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.byKey))
	for k := range c.byKey {
		keys = append(keys, k)
	}
	return keys
}

// ExpandCommand substitutes scratch-dir paths into a command template.
// The first element is the executable, the rest are arguments.
func ExpandCommand(tmpl []string, src, bin, dir string) []string {
	out := make([]string, len(tmpl))
	r := strings.NewReplacer(
		PlaceholderSrc, src,
		PlaceholderBin, bin,
		PlaceholderDir, dir,
	)
	for i, arg := range tmpl {
		out[i] = r.Replace(arg)
	}
	return out
}
