package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// GraphDefinition 可序列化的阶段图定义（YAML / JSON）
type GraphDefinition struct {
	Name   string            `json:"name" yaml:"name"`
	Stages []StageDefinition `json:"stages" yaml:"stages"`
}

// StageDefinition 单个阶段的定义
type StageDefinition struct {
	ID        StageID       `json:"id" yaml:"id"`
	Title     string        `json:"title,omitempty" yaml:"title,omitempty"`
	Anchor    string        `json:"anchor" yaml:"anchor"`
	DependsOn []StageID     `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Optional  bool          `json:"optional,omitempty" yaml:"optional,omitempty"`
	Handoff   []HandoffRule `json:"handoff,omitempty" yaml:"handoff,omitempty"`
	Knowledge *KnowledgeRef `json:"knowledge,omitempty" yaml:"knowledge,omitempty"`
}

// Build 通过 GraphBuilder 构建图，校验规则与代码构建完全一致
func (d *GraphDefinition) Build(logger *zap.Logger) (*Graph, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("graph name is required")
	}
	b := NewGraphBuilder(d.Name).WithLogger(logger)
	for _, s := range d.Stages {
		sb := b.AddStage(s.ID, s.Anchor).DependsOn(s.DependsOn...)
		if s.Title != "" {
			sb.WithTitle(s.Title)
		}
		if s.Optional {
			sb.Optional()
		}
		for _, h := range s.Handoff {
			sb.WithHandoff(h.From, h.Fields...)
		}
		if s.Knowledge != nil {
			sb.WithKnowledge(s.Knowledge.Library, s.Knowledge.Query)
		}
	}
	return b.Build()
}

// Definition 把已构建的图导出为定义
func (g *Graph) Definition() *GraphDefinition {
	def := &GraphDefinition{Name: g.name}
	for _, n := range g.Nodes() {
		def.Stages = append(def.Stages, StageDefinition{
			ID:        n.ID,
			Title:     n.Title,
			Anchor:    n.Anchor,
			DependsOn: n.DependsOn,
			Optional:  n.Optional,
			Handoff:   n.Handoff,
			Knowledge: n.Knowledge,
		})
	}
	return def
}

// ToJSON converts a GraphDefinition to JSON string
func (d *GraphDefinition) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data), nil
}

// ToYAML converts a GraphDefinition to YAML string
func (d *GraphDefinition) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return string(data), nil
}

// GraphFromJSON 解析 JSON 定义并构建图
func GraphFromJSON(data []byte, logger *zap.Logger) (*Graph, error) {
	var def GraphDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph from JSON: %w", err)
	}
	return def.Build(logger)
}

// GraphFromYAML 解析 YAML 定义并构建图
func GraphFromYAML(data []byte, logger *zap.Logger) (*Graph, error) {
	var def GraphDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph from YAML: %w", err)
	}
	return def.Build(logger)
}

// LoadGraphFile 按扩展名加载图定义；.json 为 JSON，其余按 YAML 解析
func LoadGraphFile(path string, logger *zap.Logger) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return GraphFromJSON(data, logger)
	}
	return GraphFromYAML(data, logger)
}
