package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// overlayDoc is the small YAML shape accepted by --config. It covers only
// the CORS and poll-interval knobs; it is not a general-purpose profile
// document like the multi-service ones this pattern is borrowed from.
type overlayDoc struct {
	CORS struct {
		Debug   bool     `yaml:"debug"`
		Origins []string `yaml:"origins"`
	} `yaml:"cors"`
	PollInterval string `yaml:"poll_interval"`
}

func applyYAMLOverlay(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc overlayDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	cfg.CORSDebug = doc.CORS.Debug
	if len(doc.CORS.Origins) > 0 {
		cfg.CORSOrigins = doc.CORS.Origins
	}
	if doc.PollInterval != "" {
		if d, err := time.ParseDuration(doc.PollInterval); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}
	return nil
}
