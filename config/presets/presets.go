// Package presets holds named base configurations.
package presets

import (
	"fmt"
	"sort"

	"github.com/spf13/viper"

	"github.com/spacemeshos/go-treerpc/config"
)

var presets = map[string]config.Config{}

func register(name string, cfg config.Config) {
	if _, exist := presets[name]; exist {
		panic(fmt.Sprintf("preset %s already registered", name))
	}
	cfg.Preset = name
	presets[name] = cfg
}

// Get returns the preset registered under name.
func Get(name string) (config.Config, error) {
	cfg, exist := presets[name]
	if !exist {
		return config.Config{}, fmt.Errorf("preset %s is not registered. select one from %v", name, Options())
	}
	return cfg, nil
}

// Options lists the registered preset names.
func Options() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads the config file at path over the defaults. The preset argument,
// or else the file's own preset key, selects the base configuration.
func Load(preset, path string) (config.Config, error) {
	v := viper.New()
	if err := config.LoadConfig(path, v); err != nil {
		return config.Config{}, err
	}

	cfg := config.DefaultConfig()
	if len(preset) == 0 && v.IsSet("preset") {
		preset = v.GetString("preset")
	}
	if len(preset) > 0 {
		p, err := Get(preset)
		if err != nil {
			return config.Config{}, err
		}
		cfg = p
	}
	if err := config.Unmarshal(v, &cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
