package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// NodeSeed describes one node entry in the static inventory file the
// master reads on startup to seed or refresh its node table, so operators
// don't have to register nodes by hand through an API call.
type NodeSeed struct {
	Hostname string `yaml:"hostname"`
	SSHHost  string `yaml:"ssh_host"`
	SSHPort  int    `yaml:"ssh_port"`
	SSHUser  string `yaml:"ssh_user"`
	Enabled  bool   `yaml:"enabled"`
}

// NodeInventory is the top-level shape of the inventory YAML file.
type NodeInventory struct {
	Nodes []NodeSeed `yaml:"nodes"`
}

// LoadNodeInventory reads and parses a node inventory file from path.
func LoadNodeInventory(path string) (*NodeInventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read node inventory: %w", err)
	}
	inv := &NodeInventory{}
	if err := yaml.Unmarshal(data, inv); err != nil {
		return nil, fmt.Errorf("config: parse node inventory: %w", err)
	}
	for i := range inv.Nodes {
		if inv.Nodes[i].SSHPort == 0 {
			inv.Nodes[i].SSHPort = 22
		}
	}
	return inv, nil
}
