package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type nodeDoc struct {
	ID        string            `json:"id" yaml:"id"`
	Type      string            `json:"type" yaml:"type"`
	Config    map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
	Retention RetentionPolicy   `json:"retention,omitempty" yaml:"retention,omitempty"`
}

type connectorDoc struct {
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	Mode         string `json:"mode,omitempty" yaml:"mode,omitempty"`
	ConditionKey string `json:"condition_key,omitempty" yaml:"condition_key,omitempty"`
}

type flowchartDoc struct {
	Version    int               `json:"version" yaml:"version"`
	ID         string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	Nodes      []nodeDoc         `json:"nodes" yaml:"nodes"`
	Connectors []connectorDoc    `json:"connectors" yaml:"connectors"`
}

// LoadFile reads a flowchart definition from a YAML or JSON file (by
// extension). Decoding is strict: unknown fields are rejected.
func LoadFile(path string) (*Flowchart, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return ParseJSON(b)
	}
	return ParseYAML(b)
}

func ParseYAML(b []byte) (*Flowchart, error) {
	var doc flowchartDoc
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode flowchart: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("decode flowchart: multiple documents are not allowed")
		}
		return nil, err
	}
	return fromDoc(doc)
}

func ParseJSON(b []byte) (*Flowchart, error) {
	var doc flowchartDoc
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode flowchart: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("decode flowchart: multiple top-level values are not allowed")
		}
		return nil, err
	}
	return fromDoc(doc)
}

func fromDoc(doc flowchartDoc) (*Flowchart, error) {
	if doc.Version != 0 && doc.Version != 1 {
		return nil, fmt.Errorf("unsupported flowchart version: %d", doc.Version)
	}
	nodes := make([]*Node, 0, len(doc.Nodes))
	for _, nd := range doc.Nodes {
		if strings.TrimSpace(nd.ID) == "" {
			return nil, fmt.Errorf("node with empty id")
		}
		nt, err := ParseNodeType(nd.Type)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nd.ID, err)
		}
		if err := nd.Retention.Validate(); err != nil {
			return nil, fmt.Errorf("node %s: %w", nd.ID, err)
		}
		cfg := nd.Config
		if cfg == nil {
			cfg = map[string]string{}
		}
		nodes = append(nodes, &Node{ID: nd.ID, Type: nt, Config: cfg, Retention: nd.Retention})
	}
	connectors := make([]*Connector, 0, len(doc.Connectors))
	for _, cd := range doc.Connectors {
		if strings.TrimSpace(cd.Source) == "" || strings.TrimSpace(cd.Target) == "" {
			return nil, fmt.Errorf("connector with empty source or target")
		}
		mode := ModeSolid
		if strings.TrimSpace(cd.Mode) != "" {
			m, err := ParseConnectorMode(cd.Mode)
			if err != nil {
				return nil, fmt.Errorf("connector %s->%s: %w", cd.Source, cd.Target, err)
			}
			mode = m
		}
		connectors = append(connectors, &Connector{
			Source:       cd.Source,
			Target:       cd.Target,
			Mode:         mode,
			ConditionKey: strings.TrimSpace(cd.ConditionKey),
		})
	}
	id := strings.TrimSpace(doc.ID)
	if id == "" {
		id = strings.TrimSpace(doc.Name)
	}
	return New(id, doc.Name, doc.Attrs, nodes, connectors)
}
