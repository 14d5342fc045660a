package cmd

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/monkeyocr/gateway/gateway"
)

// LoadGatewayConfig reads a gateway.Config from a YAML file, starting from
// the option defaults so absent keys keep their documented values.
func LoadGatewayConfig(path string) (gateway.Config, error) {
	cfg := gateway.DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
