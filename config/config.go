// Package config contains the configuration of a tree rpc peer.
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/spacemeshos/go-treerpc/jsonrpc"
	"github.com/spacemeshos/go-treerpc/log"
	"github.com/spacemeshos/go-treerpc/treerpc"
)

const defaultConfigFileName = "./config.toml"

// Config defines the top level configuration of a peer.
type Config struct {
	// Preset names a registered base configuration the file is applied on top of.
	Preset  string         `mapstructure:"preset"`
	Logging log.Config     `mapstructure:"logging"`
	JSONRPC jsonrpc.Config `mapstructure:"jsonrpc"`
	TreeRPC treerpc.Config `mapstructure:"treerpc"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Logging: log.DefaultConfig(),
		JSONRPC: jsonrpc.DefaultConfig(),
		TreeRPC: treerpc.DefaultConfig(),
	}
}

// LoadConfig reads the config file into vip. The format follows the file extension.
// When the file can't be read, ./config.toml is tried instead.
func LoadConfig(fileLocation string, vip *viper.Viper) error {
	if fileLocation == "" {
		fileLocation = defaultConfigFileName
	}

	vip.SetConfigFile(fileLocation)
	err := vip.ReadInConfig()
	if err != nil {
		if fileLocation != defaultConfigFileName {
			vip.SetConfigFile(defaultConfigFileName)
			err = vip.ReadInConfig()
		}
		if err != nil {
			return fmt.Errorf("failed to read config file %w", err)
		}
	}
	return nil
}

// Unmarshal decodes the values loaded into vip on top of cfg.
// Keys that match no field are an error.
func Unmarshal(vip *viper.Viper, cfg *Config) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
	opts := []viper.DecoderConfigOption{
		viper.DecodeHook(hook),
		WithZeroFields(),
		WithIgnoreUntagged(),
		WithErrorUnused(),
	}
	if err := vip.Unmarshal(cfg, opts...); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func WithZeroFields() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.ZeroFields = true
	}
}

func WithIgnoreUntagged() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.IgnoreUntaggedFields = true
	}
}

func WithErrorUnused() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
	}
}
