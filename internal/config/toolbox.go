package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/valetd/valet/tools/mcp"
)

// Toolbox lists the external MCP servers to register as tool sets.
//
//	[[servers]]
//	name = "filesystem"
//	command = "mcp-server-filesystem"
//	args = ["/home/user"]
//
//	[[servers]]
//	name = "search"
//	type = "http"
//	url = "http://localhost:9200/mcp"
type Toolbox struct {
	Servers []mcp.ServerConfig `toml:"servers"`
}

// LoadToolbox reads the toolbox TOML file. A missing file is not an
// error: it means no external tool sets.
func LoadToolbox(path string) (Toolbox, error) {
	var tb Toolbox
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return tb, nil
	}
	if err != nil {
		return tb, fmt.Errorf("config: read toolbox: %w", err)
	}
	if err := toml.Unmarshal(data, &tb); err != nil {
		return tb, fmt.Errorf("config: parse toolbox: %w", err)
	}

	seen := map[string]bool{}
	for _, sc := range tb.Servers {
		if sc.Name == "" {
			return tb, fmt.Errorf("config: toolbox server with empty name")
		}
		if seen[sc.Name] {
			return tb, fmt.Errorf("config: duplicate toolbox server %q", sc.Name)
		}
		seen[sc.Name] = true
		switch sc.Type {
		case "", "stdio":
			if sc.Command == "" {
				return tb, fmt.Errorf("config: toolbox server %q needs a command", sc.Name)
			}
		case "http":
			if sc.URL == "" {
				return tb, fmt.Errorf("config: toolbox server %q needs a url", sc.Name)
			}
		default:
			return tb, fmt.Errorf("config: toolbox server %q has unknown type %q", sc.Name, sc.Type)
		}
	}
	return tb, nil
}
