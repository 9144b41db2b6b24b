package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PlatformPolicy is how one platform is polled and throttled.
type PlatformPolicy struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Concurrency      int           `mapstructure:"concurrency"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	DecayAfter       int           `mapstructure:"decay_after"`
	HeadlessFallback bool          `mapstructure:"headless_fallback"`
}

// DefaultPlatforms are the built-in policies for every supported platform.
func DefaultPlatforms() map[string]PlatformPolicy {
	return map[string]PlatformPolicy{
		"amazon": {
			PollInterval:     24 * time.Hour,
			Concurrency:      2,
			BaseDelay:        2 * time.Second,
			MaxDelay:         2 * time.Minute,
			DecayAfter:       5,
			HeadlessFallback: true,
		},
		"flipkart": {
			PollInterval:     24 * time.Hour,
			Concurrency:      2,
			BaseDelay:        1500 * time.Millisecond,
			MaxDelay:         time.Minute,
			DecayAfter:       5,
			HeadlessFallback: true,
		},
		"snapdeal": {
			PollInterval: 24 * time.Hour,
			Concurrency:  3,
			BaseDelay:    time.Second,
			MaxDelay:     time.Minute,
			DecayAfter:   5,
		},
		"myntra": {
			PollInterval: 24 * time.Hour,
			Concurrency:  2,
			BaseDelay:    time.Second,
			MaxDelay:     time.Minute,
			DecayAfter:   5,
		},
	}
}

// LoadPlatforms reads platform policies from a YAML or JSON file shaped as
//
//	platforms:
//	  amazon:
//	    poll_interval: 12h
//	    concurrency: 1
//
// Keys missing from the file keep their built-in defaults. A platform only
// present in the file must set poll_interval.
func LoadPlatforms(path string) (map[string]PlatformPolicy, error) {
	v := viper.New()
	v.SetConfigFile(path)

	for name, p := range DefaultPlatforms() {
		prefix := "platforms." + name + "."
		v.SetDefault(prefix+"poll_interval", p.PollInterval)
		v.SetDefault(prefix+"concurrency", p.Concurrency)
		v.SetDefault(prefix+"base_delay", p.BaseDelay)
		v.SetDefault(prefix+"max_delay", p.MaxDelay)
		v.SetDefault(prefix+"decay_after", p.DecayAfter)
		v.SetDefault(prefix+"headless_fallback", p.HeadlessFallback)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read platforms file %s: %w", path, err)
	}

	var file struct {
		Platforms map[string]PlatformPolicy `mapstructure:"platforms"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode platforms file %s: %w", path, err)
	}

	for name, p := range file.Platforms {
		if p.PollInterval <= 0 {
			return nil, fmt.Errorf("platform %s: poll_interval must be positive", name)
		}
	}
	return file.Platforms, nil
}

// Select narrows platforms to the comma-separated names in only. An empty
// list keeps everything.
func Select(platforms map[string]PlatformPolicy, only string) (map[string]PlatformPolicy, error) {
	if strings.TrimSpace(only) == "" {
		return platforms, nil
	}
	out := make(map[string]PlatformPolicy)
	var unknown []string
	for _, name := range strings.Split(only, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		p, ok := platforms[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out[name] = p
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown platforms: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}
