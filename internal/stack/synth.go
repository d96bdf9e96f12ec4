package stack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/h3ow3d/infragraph/internal/pipeline"
)

// Format is the encoding of a synthesized template.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat accepts "yaml", "yml" and "json".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown template format %q (want yaml or json)", s)
}

// Ext returns the file extension for f.
func (f Format) Ext() string {
	if f == FormatJSON {
		return ".json"
	}
	return ".yaml"
}

// Template is the document handed to the apply engine.
type Template struct {
	AWSTemplateFormatVersion string              `yaml:"AWSTemplateFormatVersion" json:"AWSTemplateFormatVersion"`
	Description              string              `yaml:"Description" json:"Description"`
	Resources                map[string]Resource `yaml:"Resources" json:"Resources"`
}

// Resource is one declared node.
type Resource struct {
	Type       string         `yaml:"Type" json:"Type"`
	DependsOn  []string       `yaml:"DependsOn,omitempty" json:"DependsOn,omitempty"`
	Properties map[string]any `yaml:"Properties,omitempty" json:"Properties,omitempty"`
}

// Synthesize converts the graph of snap into a template.
func Synthesize(snap *Snapshot) Template {
	t := Template{
		AWSTemplateFormatVersion: "2010-09-09",
		Description:              fmt.Sprintf("infragraph deployment %s", snap.Name),
		Resources:                make(map[string]Resource, snap.Graph.Len()),
	}
	for _, n := range snap.Graph.Nodes() {
		t.Resources[n.Name] = Resource{
			Type:       string(n.Kind),
			DependsOn:  n.DependsOn,
			Properties: n.Properties,
		}
	}
	return t
}

// Encode writes t to w in format f.
func Encode(w io.Writer, t Template, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("encode template: %w", err)
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("encode template: %w", err)
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown template format %q", f)
}

// Artifact is one rendered output file.
type Artifact struct {
	Name string
	Data []byte
}

// Render produces every output file for snap without touching the disk:
// the template and, when the snapshot has a pipeline, the deploy templates.
func Render(snap *Snapshot, f Format) ([]Artifact, error) {
	var tpl bytes.Buffer
	if err := Encode(&tpl, Synthesize(snap), f); err != nil {
		return nil, err
	}
	out := []Artifact{{Name: "template" + f.Ext(), Data: tpl.Bytes()}}

	if snap.Pipeline == nil {
		return out, nil
	}
	data := pipeline.NewRenderData(snap.Env, snap.Service, snap.PipelineConfig)
	var spec, def bytes.Buffer
	if err := pipeline.RenderAppSpec(&spec, data); err != nil {
		return nil, err
	}
	if err := pipeline.RenderTaskDefinition(&def, data); err != nil {
		return nil, err
	}
	return append(out,
		Artifact{Name: snap.PipelineConfig.AppSpecPath, Data: spec.Bytes()},
		Artifact{Name: snap.PipelineConfig.TaskDefPath, Data: def.Bytes()},
	), nil
}

// WriteArtifacts renders snap and writes every output file into dir. It
// returns the written paths. Nothing is written if rendering fails. The
// directory and files are private to the user since templates name the
// account and its secrets.
func WriteArtifacts(dir string, snap *Snapshot, f Format) ([]string, error) {
	arts, err := Render(snap, f)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	paths := make([]string, 0, len(arts))
	for _, a := range arts {
		path := filepath.Join(dir, a.Name)
		if err := os.WriteFile(path, a.Data, 0o600); err != nil {
			return paths, fmt.Errorf("write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
