package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/ini.v1"
)

// fileConfig mirrors Config in a form both INI and TOML can decode.
// Zero values mean "not set in the file".
type fileConfig struct {
	Command              string `ini:"command" toml:"command"`
	ProductionFlag       string `ini:"production_flag" toml:"production_flag"`
	ReadyTimeout         string `ini:"ready_timeout" toml:"ready_timeout"`
	ProbeTimeout         string `ini:"probe_timeout" toml:"probe_timeout"`
	KillTimeout          string `ini:"kill_timeout" toml:"kill_timeout"`
	LogLevel             string `ini:"log_level" toml:"log_level"`
	FileOutput           string `ini:"file_output" toml:"file_output"`
	MaxRecordsFileOutput int    `ini:"max_records_fileoutput" toml:"max_records_fileoutput"`
	LokiEndpoint         string `ini:"loki_endpoint" toml:"loki_endpoint"`
	MetricsPort          int    `ini:"metrics_port" toml:"metrics_port"`
	RESTPort             int    `ini:"rest_port" toml:"rest_port"`
}

// LoadFile applies the settings found in an .ini or .toml file on top of cfg.
func LoadFile(cfg *Config, fileName string) error {
	var fc fileConfig
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".toml":
		if _, err := toml.DecodeFile(fileName, &fc); err != nil {
			return fmt.Errorf("load toml config %s: %w", fileName, err)
		}
	case ".ini", ".conf", "":
		iniFile, err := ini.Load(fileName)
		if err != nil {
			return fmt.Errorf("load ini config %s: %w", fileName, err)
		}
		if err := iniFile.Section("").MapTo(&fc); err != nil {
			return fmt.Errorf("map ini config %s: %w", fileName, err)
		}
	default:
		return fmt.Errorf("unsupported config file type %q", filepath.Ext(fileName))
	}
	return fc.apply(cfg)
}

func (fc fileConfig) apply(cfg *Config) error {
	if fc.Command != "" {
		cfg.Command = strings.Fields(fc.Command)
	}
	if fc.ProductionFlag != "" {
		cfg.ProductionFlag = fc.ProductionFlag
	}
	for _, d := range []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{"ready_timeout", fc.ReadyTimeout, &cfg.ReadyTimeout},
		{"probe_timeout", fc.ProbeTimeout, &cfg.ProbeTimeout},
		{"kill_timeout", fc.KillTimeout, &cfg.KillTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.target = v
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.FileOutput != "" {
		cfg.FileOutput = fc.FileOutput
	}
	if fc.MaxRecordsFileOutput != 0 {
		cfg.MaxRecordsFileOutput = fc.MaxRecordsFileOutput
	}
	if fc.LokiEndpoint != "" {
		cfg.LokiEndpoint = fc.LokiEndpoint
	}
	if fc.MetricsPort != 0 {
		cfg.MetricsPort = fc.MetricsPort
	}
	if fc.RESTPort != 0 {
		cfg.RESTPort = fc.RESTPort
	}
	return nil
}
