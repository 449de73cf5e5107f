// Package config provides configuration types, defaults, and persistence for report-agent.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/scheduler"
)

// SaveSchedule updates the schedule section in the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
func SaveSchedule(configPath string, schedule scheduler.Config) error {
	return saveSection(configPath, "schedule", buildScheduleNode(schedule))
}

// saveSection replaces (or appends) the top-level key in configPath with value.
func saveSection(configPath, key string, value *yaml.Node) error {
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	// Parse into yaml.Node to preserve comments
	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: key},
						value,
					},
				},
			},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return fmt.Errorf("parsing config: top level is not a mapping")
		}
		found := false
		for i := 0; i < len(root.Content)-1; i += 2 {
			if root.Content[i].Value == key {
				root.Content[i+1] = value
				found = true
				break
			}
		}
		if !found {
			root.Content = append(root.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: key},
				value,
			)
		}
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	// Write atomically (write to temp, then rename)
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".report-agent.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(buf.Bytes()); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// buildScheduleNode creates a yaml.Node representing the schedule mapping.
func buildScheduleNode(s scheduler.Config) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode}

	add := func(key string, value *yaml.Node) {
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, value)
	}

	add("enabled", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(s.Enabled)})
	add("cron", &yaml.Node{Kind: yaml.ScalarNode, Style: yaml.DoubleQuotedStyle, Value: s.Cron})
	if s.Timezone != "" {
		add("timezone", &yaml.Node{Kind: yaml.ScalarNode, Value: s.Timezone})
	}
	if len(s.Tables) > 0 {
		tables := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, t := range s.Tables {
			tables.Content = append(tables.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: t})
		}
		add("tables", tables)
	}
	return node
}
