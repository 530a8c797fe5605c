package venue

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/venues.yaml.
type Definitions struct {
	Venues map[string]Definition `yaml:"venues"`
}

// Definition describes a single execution venue endpoint.
type Definition struct {
	Type          string `yaml:"type"`
	RPCURL        string `yaml:"rpc_url"`
	Router        string `yaml:"router"`
	ChainID       int64  `yaml:"chain_id"`
	PrivateKeyEnv string `yaml:"private_key_env"`
	Description   string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing venue metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Venues: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取场所配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析场所配置失败: %w", err)
	}
	if defs.Venues == nil {
		defs.Venues = map[string]Definition{}
	}
	return defs, nil
}
