// Package brief loads the structured creative brief that steers generation
// and selection.
package brief

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Brief is the creative goal statement for a session. Structured fields guide the
// selector; FewshotExamples, SectionIntent, and RoughDraft feed the
// generation prompt.
type Brief struct {
	Title      string `mapstructure:"title" yaml:"title"`
	Domain     string `mapstructure:"domain" yaml:"domain"`
	Voice      string `mapstructure:"voice" yaml:"voice"`
	Register   string `mapstructure:"register" yaml:"register"`
	LengthHint string `mapstructure:"length_hint" yaml:"length_hint"`

	LeanInto []string `mapstructure:"lean_into" yaml:"lean_into"`
	Avoid    []string `mapstructure:"avoid" yaml:"avoid"`

	Notes string `mapstructure:"notes" yaml:"notes"`

	FewshotExamples string `mapstructure:"fewshot_examples" yaml:"fewshot_examples"`
	SectionIntent   string `mapstructure:"section_intent" yaml:"section_intent"`
	RoughDraft      string `mapstructure:"rough_draft" yaml:"rough_draft"`
}

// Summary returns the free-text form of the brief recorded on the session:
// notes if present, else the title.
func (b Brief) Summary() string {
	if b.Notes != "" {
		return b.Notes
	}
	return b.Title
}

// Render returns the selector-facing description of the brief: every
// populated structured field, one per line.
func (b Brief) Render() string {
	var lines []string
	add := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			lines = append(lines, label+": "+value)
		}
	}
	add("Title", b.Title)
	add("Domain", b.Domain)
	add("Voice", b.Voice)
	add("Register", b.Register)
	add("Length", b.LengthHint)
	add("Lean into", strings.Join(b.LeanInto, ", "))
	add("Avoid", strings.Join(b.Avoid, ", "))
	add("Notes", b.Notes)
	return strings.Join(lines, "\n")
}

// Load reads a brief from path. TOML and YAML files populate the structured
// fields; any other file type becomes Notes verbatim.
func Load(path string) (*Brief, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return loadTOML(path)
	case ".yaml", ".yml":
		return loadYAML(path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "brief: read %s", path)
		}
		return &Brief{Notes: string(data)}, nil
	}
}

func loadTOML(path string) (*Brief, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, eris.Wrapf(err, "brief: read %s", path)
	}
	var b Brief
	if err := v.Unmarshal(&b); err != nil {
		return nil, eris.Wrapf(err, "brief: unmarshal %s", path)
	}
	return &b, nil
}

func loadYAML(path string) (*Brief, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "brief: read %s", path)
	}
	var b Brief
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, eris.Wrapf(err, "brief: unmarshal %s", path)
	}
	return &b, nil
}
