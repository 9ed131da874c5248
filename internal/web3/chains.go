package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain endpoints. An
// empty path yields an empty set.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Resolve 返回指定名称的 RPC 地址。名称为空时使用 default，再退回到唯一的一条定义。
func (d ChainDefinitions) Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = d.Default
	}
	if name == "" && len(d.Chains) == 1 {
		for only := range d.Chains {
			name = only
		}
	}
	chain, ok := d.Chains[name]
	if !ok || strings.TrimSpace(chain.RPCURL) == "" {
		known := make([]string, 0, len(d.Chains))
		for k := range d.Chains {
			known = append(known, k)
		}
		sort.Strings(known)
		return "", fmt.Errorf("未找到链 %q 的 RPC 地址，可用: %s", name, strings.Join(known, ","))
	}
	return chain.RPCURL, nil
}
