// Package pluginconfig implements the Plugin-Protocol Configurator (spec
// §4.5): writing the config the spawned CLI reads on startup to discover
// auxiliary MCP servers. Backend A merges JSON, grounded on the teacher's
// config-file merge style in internal/config; Backend B writes per-user TOML
// via github.com/pelletier/go-toml/v2.
package pluginconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/aceteam/ace-orchestrator/internal/domain"
)

// Configurator implements domain.PluginConfigurator.
type Configurator struct{}

var _ domain.PluginConfigurator = (*Configurator)(nil)

// New constructs a Configurator.
func New() *Configurator { return &Configurator{} }

// NormalizeURL ensures url ends in "/mcp" (spec §4.5).
func NormalizeURL(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	if strings.HasSuffix(trimmed, "/mcp") {
		return trimmed
	}
	return trimmed + "/mcp"
}

type mcpServerEntryA struct {
	URL         string `json:"url"`
	BearerToken string `json:"bearerToken,omitempty"`
}

// WriteBackendA merges a server entry into <workspacePath>/.mcp.json,
// preserving existing entries, and adds ".mcp.json" to the repo's local
// git exclude list so it is never committed (spec §4.5).
func (c *Configurator) WriteBackendA(workspacePath, serverName, rawURL, bearerToken string) error {
	mcpPath := filepath.Join(workspacePath, ".mcp.json")

	doc := map[string]json.RawMessage{}
	if existing, err := os.ReadFile(mcpPath); err == nil {
		if err := json.Unmarshal(existing, &doc); err != nil {
			return fmt.Errorf("op=pluginconfig.WriteBackendA parse existing: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("op=pluginconfig.WriteBackendA read existing: %w", err)
	}

	servers := map[string]json.RawMessage{}
	if raw, ok := doc["mcpServers"]; ok {
		if err := json.Unmarshal(raw, &servers); err != nil {
			return fmt.Errorf("op=pluginconfig.WriteBackendA parse mcpServers: %w", err)
		}
	}

	entry := mcpServerEntryA{URL: NormalizeURL(rawURL), BearerToken: bearerToken}
	entryRaw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=pluginconfig.WriteBackendA marshal entry: %w", err)
	}
	servers[serverName] = entryRaw

	serversRaw, err := json.Marshal(servers)
	if err != nil {
		return fmt.Errorf("op=pluginconfig.WriteBackendA marshal mcpServers: %w", err)
	}
	doc["mcpServers"] = serversRaw

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("op=pluginconfig.WriteBackendA marshal doc: %w", err)
	}
	if err := os.WriteFile(mcpPath, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("op=pluginconfig.WriteBackendA write: %w", err)
	}

	if err := addToLocalExclude(workspacePath, ".mcp.json"); err != nil {
		return fmt.Errorf("op=pluginconfig.WriteBackendA exclude: %w", err)
	}
	return nil
}

// addToLocalExclude appends name to .git/info/exclude if not already present.
func addToLocalExclude(workspacePath, name string) error {
	excludePath := filepath.Join(workspacePath, ".git", "info", "exclude")
	existing, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == name {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(name + "\n")
	return err
}

type mcpServerEntryB struct {
	URL               string `toml:"url"`
	BearerTokenEnvVar string `toml:"bearer_token_env_var,omitempty"`
}

// WriteBackendB writes or replaces a [mcp_servers.<name>] block in the
// per-user TOML file at userConfigPath. The file is decoded and re-encoded,
// so other blocks keep their keys and values but not their comments, key
// order or formatting.
func (c *Configurator) WriteBackendB(userConfigPath, serverName, rawURL, bearerTokenEnvVar string) error {
	doc := map[string]any{}
	if existing, err := os.ReadFile(userConfigPath); err == nil {
		if err := toml.Unmarshal(existing, &doc); err != nil {
			return fmt.Errorf("op=pluginconfig.WriteBackendB parse existing: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("op=pluginconfig.WriteBackendB read existing: %w", err)
	}

	servers, _ := doc["mcp_servers"].(map[string]any)
	if servers == nil {
		servers = map[string]any{}
	}

	entry := mcpServerEntryB{URL: NormalizeURL(rawURL), BearerTokenEnvVar: bearerTokenEnvVar}
	entryMap := map[string]any{"url": entry.URL}
	if entry.BearerTokenEnvVar != "" {
		entryMap["bearer_token_env_var"] = entry.BearerTokenEnvVar
	}
	servers[serverName] = entryMap
	doc["mcp_servers"] = servers

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("op=pluginconfig.WriteBackendB encode: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(userConfigPath), 0o755); err != nil {
		return fmt.Errorf("op=pluginconfig.WriteBackendB mkdir: %w", err)
	}
	if err := os.WriteFile(userConfigPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("op=pluginconfig.WriteBackendB write: %w", err)
	}
	return nil
}
