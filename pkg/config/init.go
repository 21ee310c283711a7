package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# dittobox Configuration File
#
# Every value can be overridden with an environment variable named after its
# path, e.g. DITTOBOX_LOGGING_LEVEL=DEBUG or DITTOBOX_BACKEND_TYPE=s3.

`

var sectionComments = map[string]string{
	"logging":  "Logging: level (DEBUG, INFO, WARN, ERROR), format (text, json), output (stdout, stderr, or a file path)",
	"volume":   "Volume: owner namespace, key file and device identity.\nautocommit_delay debounces commits after mutations; 0 commits inline.",
	"backend":  "Blob backend: filesystem, memory or s3.\nOnly the section matching type is used. For s3 set bucket and region;\nendpoint selects a compatible service such as MinIO.",
	"cache":    "Local BadgerDB cache of encrypted blobs. Every read is revalidated\nagainst the backend, so the cache never serves stale data.",
	"metadata": "Snapshot format: sqlite or memory",
	"metrics":  "Prometheus metrics, served by the serve-metrics command",
	"gc":       "Orphaned block collection. Only enable it when the backend holds a\nsingle volume: unreferenced blocks older than grace_period are deleted.",
}

// InitConfig writes a sample configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes a sample configuration to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a comment above each
// top-level section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var root yaml.Node
	if err := root.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return configHeader + buf.String(), nil
}
