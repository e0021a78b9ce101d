// Package config handles TOML configuration loading with environment variable substitution.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	General  GeneralConfig            `toml:"general"`
	Temp     TempConfig               `toml:"temp"`
	Sanity   SanityConfig             `toml:"sanity"`
	Output   OutputConfig             `toml:"output"`
	Covers   CoversConfig             `toml:"covers"`
	Fetch    FetchConfig              `toml:"fetch"`
	Codecs   CodecsConfig             `toml:"codecs"`
	Profiles map[string]ProfileConfig `toml:"profiles"`
	Backends map[string]BackendConfig `toml:"backends"`
}

type GeneralConfig struct {
	Jobs            int           `toml:"jobs"`
	UpdateInterval  time.Duration `toml:"update_interval"`
	LogLevel        string        `toml:"log_level"`
	KeepFailedFiles bool          `toml:"keep_failed_files"`
	DefaultProfile  string        `toml:"default_profile"`
}

// TempConfig controls where intermediate artifacts are written.
// MaxSharedMemoryMB of zero disables the shared-memory directory.
type TempConfig struct {
	Dir               string `toml:"dir"`
	SharedMemoryDir   string `toml:"shared_memory_dir"`
	MaxSharedMemoryMB int    `toml:"max_shared_memory_mb"`
}

type SanityConfig struct {
	MinRatio     float64  `toml:"min_ratio"`
	MinBytes     int64    `toml:"min_bytes"`
	ExemptCodecs []string `toml:"exempt_codecs"`
}

type OutputConfig struct {
	Dir      string `toml:"dir"`
	Template string `toml:"template"`
	SameDir  bool   `toml:"same_dir"`
}

type CoversConfig struct {
	Policy   string `toml:"policy"` // always, fallback, never
	Filename string `toml:"filename"`
}

type FetchConfig struct {
	Timeout time.Duration `toml:"timeout"`
	S3      *S3Config     `toml:"s3"`
}

type S3Config struct {
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	PathStyle bool   `toml:"path_style"`
}

type CodecsConfig struct {
	Lossless []string          `toml:"lossless"`
	Aliases  map[string]string `toml:"aliases"` // file extension -> codec name
}

// ProfileConfig describes a conversion target.
type ProfileConfig struct {
	Codec      string            `toml:"codec"`
	Extension  string            `toml:"extension"`
	Tool       string            `toml:"tool"`
	ReplayGain bool              `toml:"replaygain"`
	AlbumGain  bool              `toml:"album_gain"`
	Options    map[string]string `toml:"options"`
	Notify     string            `toml:"notify"`
}

// BackendConfig describes one external tool and the conversions it offers.
type BackendConfig struct {
	Kind     string        `toml:"kind"` // codec, ripper, replaygain
	Binary   string        `toml:"binary"`
	Progress string        `toml:"progress"`
	Stdin    string        `toml:"stdin"`
	Stdout   string        `toml:"stdout"`
	Trunks   []TrunkConfig `toml:"trunks"`
}

type TrunkConfig struct {
	From             string   `toml:"from"`
	To               string   `toml:"to"`
	Rating           int      `toml:"rating"`
	Streaming        bool     `toml:"streaming"`
	InlineReplayGain bool     `toml:"inline_replaygain"`
	Args             []string `toml:"args"`
	ReplayGainArgs   []string `toml:"replaygain_args"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	content, missing := substituteEnvVars(string(data))
	if len(missing) > 0 {
		return nil, &ConfigError{Path: path, Missing: missing}
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &ConfigError{Path: path, Errors: errs}
	}
	return cfg, nil
}

// Parse decodes TOML content and applies defaults without validating.
func Parse(content string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(content, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := Parse(defaultConfig)
	if err != nil {
		panic(fmt.Sprintf("embedded default config: %v", err))
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.General.Jobs == 0 {
		c.General.Jobs = 2
	}
	if c.General.UpdateInterval == 0 {
		c.General.UpdateInterval = 500 * time.Millisecond
	}
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}
	if c.Temp.Dir == "" {
		c.Temp.Dir = os.TempDir()
	}
	if c.Temp.SharedMemoryDir == "" {
		c.Temp.SharedMemoryDir = "/dev/shm"
	}
	if c.Sanity.MinRatio == 0 {
		c.Sanity.MinRatio = 0.01
	}
	if c.Sanity.MinBytes == 0 {
		c.Sanity.MinBytes = 100000
	}
	if c.Sanity.ExemptCodecs == nil {
		c.Sanity.ExemptCodecs = []string{"speex"}
	}
	if c.Output.Template == "" {
		c.Output.Template = "{artist}/{album}/{track:02} - {title}.{ext}"
	}
	if c.Covers.Policy == "" {
		c.Covers.Policy = "fallback"
	}
	if c.Covers.Filename == "" {
		c.Covers.Filename = "cover"
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 10 * time.Minute
	}
	for name, b := range c.Backends {
		if b.Stdin == "" {
			b.Stdin = "-"
		}
		if b.Stdout == "" {
			b.Stdout = "-"
		}
		c.Backends[name] = b
	}
	for name, p := range c.Profiles {
		if p.Extension == "" {
			p.Extension = p.Codec
		}
		c.Profiles[name] = p
	}
}

// Profile returns the named profile, falling back to general.default_profile.
func (c *Config) Profile(name string) (ProfileConfig, string, error) {
	if name == "" {
		name = c.General.DefaultProfile
	}
	p, ok := c.Profiles[name]
	if !ok {
		return ProfileConfig{}, name, fmt.Errorf("profile %q not defined", name)
	}
	return p, name, nil
}

// ProfileNames returns the configured profile names in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CodecForExtension maps a file extension (with or without dot) to a codec name.
func (c *Config) CodecForExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if codec, ok := c.Codecs.Aliases[ext]; ok {
		return codec
	}
	return ext
}

// IsLossless reports whether codec is listed as lossless.
func (c *Config) IsLossless(codec string) bool {
	for _, l := range c.Codecs.Lossless {
		if strings.EqualFold(l, codec) {
			return true
		}
	}
	return false
}

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([-?])([^}]*))?\}`)

// substituteEnvVars replaces environment references and reports unresolved ones.
func substituteEnvVars(content string) (string, []string) {
	var missing []string
	lines := strings.SplitAfter(content, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lines[i] = envVarPattern.ReplaceAllStringFunc(line, func(match string) string {
			parts := envVarPattern.FindStringSubmatch(match)
			name, op, arg := parts[1], parts[2], parts[3]
			value, ok := os.LookupEnv(name)
			switch op {
			case "-":
				if !ok || value == "" {
					return arg
				}
				return value
			case "?":
				if !ok || value == "" {
					missing = append(missing, name+": "+arg)
					return match
				}
				return value
			}
			if !ok {
				missing = append(missing, name)
				return match
			}
			return value
		})
	}
	return strings.Join(lines, ""), missing
}
