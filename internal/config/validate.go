// internal/config/validate.go
package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true, "": true,
}

var validBackendKinds = map[string]bool{
	"codec": true, "ripper": true, "replaygain": true,
}

var validCoverPolicies = map[string]bool{
	"always": true, "fallback": true, "never": true,
}

// Validate checks the configuration for errors.
// Returns a slice of error messages (empty if valid).
func (c *Config) Validate() []string {
	var errs []string

	if c.General.Jobs < 1 {
		errs = append(errs, fmt.Sprintf("general.jobs: must be at least 1, got %d", c.General.Jobs))
	}
	if c.General.UpdateInterval < 0 || c.General.UpdateInterval > time.Minute {
		errs = append(errs, fmt.Sprintf("general.update_interval: must be between 0 and 1m, got %s", c.General.UpdateInterval))
	}
	if !validLogLevels[c.General.LogLevel] {
		errs = append(errs, fmt.Sprintf("general.log_level: must be one of debug, info, warn, error; got %q", c.General.LogLevel))
	}
	if c.General.DefaultProfile != "" {
		if _, ok := c.Profiles[c.General.DefaultProfile]; !ok {
			errs = append(errs, fmt.Sprintf("general.default_profile: profile %q not defined", c.General.DefaultProfile))
		}
	}

	if c.Temp.MaxSharedMemoryMB < 0 {
		errs = append(errs, "temp.max_shared_memory_mb: must not be negative")
	}
	if c.Sanity.MinRatio < 0 || c.Sanity.MinRatio >= 1 {
		errs = append(errs, fmt.Sprintf("sanity.min_ratio: must be in [0, 1), got %g", c.Sanity.MinRatio))
	}
	if !validCoverPolicies[c.Covers.Policy] {
		errs = append(errs, fmt.Sprintf("covers.policy: must be one of always, fallback, never; got %q", c.Covers.Policy))
	}
	if !c.Output.SameDir && c.Output.Dir == "" {
		errs = append(errs, "output.dir: required unless output.same_dir is set")
	}

	if s3 := c.Fetch.S3; s3 != nil && s3.Region == "" && s3.Endpoint == "" {
		errs = append(errs, "fetch.s3: region or endpoint required when s3 is configured")
	}

	for _, name := range sortedKeys(c.Profiles) {
		p := c.Profiles[name]
		if p.Codec == "" {
			errs = append(errs, fmt.Sprintf("profiles.%s.codec: required", name))
		}
		if p.Tool != "" {
			if _, ok := c.Backends[p.Tool]; !ok {
				errs = append(errs, fmt.Sprintf("profiles.%s.tool: backend %q not defined", name, p.Tool))
			}
		}
		if p.ReplayGain && p.AlbumGain {
			errs = append(errs, fmt.Sprintf("profiles.%s: replaygain and album_gain are mutually exclusive", name))
		}
	}

	for _, name := range sortedKeys(c.Backends) {
		errs = append(errs, c.Backends[name].validate(name)...)
	}

	return errs
}

func (b BackendConfig) validate(name string) []string {
	var errs []string
	prefix := "backends." + name
	if !validBackendKinds[b.Kind] {
		errs = append(errs, fmt.Sprintf("%s.kind: must be one of codec, ripper, replaygain; got %q", prefix, b.Kind))
	}
	if b.Binary == "" {
		errs = append(errs, prefix+".binary: required")
	}
	if b.Progress != "" {
		if _, err := regexp.Compile(b.Progress); err != nil {
			errs = append(errs, fmt.Sprintf("%s.progress: %v", prefix, err))
		}
	}
	if len(b.Trunks) == 0 {
		errs = append(errs, prefix+".trunks: at least one trunk required")
	}
	for i, t := range b.Trunks {
		tp := fmt.Sprintf("%s.trunks[%d]", prefix, i)
		if t.From == "" || t.To == "" {
			errs = append(errs, tp+": from and to are required")
		}
		if len(t.Args) == 0 {
			errs = append(errs, tp+".args: required")
		}
		if b.Kind == "replaygain" && t.From != t.To {
			errs = append(errs, tp+": replaygain trunks must keep the codec (from == to)")
		}
		if b.Kind == "ripper" && t.Streaming && !containsToken(t.Args, "{output}") {
			errs = append(errs, tp+".args: streaming ripper needs an {output} placeholder")
		}
	}
	return errs
}

func containsToken(args []string, token string) bool {
	for _, a := range args {
		if strings.Contains(a, token) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
