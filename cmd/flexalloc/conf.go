package main

import (
	"io/ioutil"
	"path/filepath"

	"github.com/imdario/mergo"
	"github.com/mitchellh/go-homedir"
	"github.com/sisatech/toml"
	"github.com/spf13/viper"
)

// operatorConf is the shape of ~/.flexalloc/conf.toml: operator-wide
// defaults for flags the mkfs command doesn't require explicitly.
type operatorConf struct {
	Defaults struct {
		SlabNlb   uint64 `toml:"slab-nlb"`
		Npools    uint32 `toml:"pools"`
		LogFormat string `toml:"log-format"`
	} `toml:"defaults"`
}

// opDefaults holds the merged result: file values overridden by
// FLEXALLOC_* environment variables, which flags in turn override.
var opDefaults operatorConf

func defaultOperatorConf() operatorConf {
	var c operatorConf
	c.Defaults.SlabNlb = 65536
	c.Defaults.Npools = 64
	c.Defaults.LogFormat = "text"
	return c
}

// loadOperatorDefaults reads ~/.flexalloc/conf.toml, if present, merges it
// over the built-in defaults, and layers FLEXALLOC_* environment variables
// on top via viper. A missing config file is not an error; a malformed one
// is.
func loadOperatorDefaults() error {
	opDefaults = defaultOperatorConf()

	home, err := homedir.Dir()
	if err != nil {
		return err
	}

	confPath := filepath.Join(home, ".flexalloc", "conf.toml")
	data, err := ioutil.ReadFile(confPath)
	if err != nil {
		return applyEnvOverrides()
	}

	fileConf := new(operatorConf)
	if err := toml.Unmarshal(data, fileConf); err != nil {
		return err
	}
	if err := mergo.Merge(&opDefaults, fileConf, mergo.WithOverride); err != nil {
		return err
	}

	return applyEnvOverrides()
}

// applyEnvOverrides layers FLEXALLOC_SLAB_NLB / FLEXALLOC_POOLS /
// FLEXALLOC_LOG_FORMAT over whatever loadOperatorDefaults has assembled so
// far.
func applyEnvOverrides() error {
	viper.SetEnvPrefix("flexalloc")
	viper.AutomaticEnv()

	if v := viper.GetUint64("slab_nlb"); v != 0 {
		opDefaults.Defaults.SlabNlb = v
	}
	if v := viper.GetUint32("pools"); v != 0 {
		opDefaults.Defaults.Npools = v
	}
	if v := viper.GetString("log_format"); v != "" {
		opDefaults.Defaults.LogFormat = v
	}
	return nil
}
