package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Scope is the level at which an environment defines variables.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeCollection Scope = "collection"
	ScopeLocal      Scope = "local"
)

// Variable is a single environment value.
type Variable struct {
	Value  string `yaml:"value" json:"value"`
	Secret bool   `yaml:"secret,omitempty" json:"secret,omitempty"`
}

// UnmarshalYAML accepts either `name: value` or `name: {value: ..., secret: true}`.
func (v *Variable) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v.Value = node.Value
		v.Secret = false
		return nil
	}
	type plain Variable
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("failed to decode variable: %w", err)
	}
	*v = Variable(p)
	return nil
}

// Environment is a set of variables at one scope.
type Environment struct {
	ID           string              `yaml:"id" json:"id"`
	Name         string              `yaml:"name,omitempty" json:"name,omitempty"`
	Scope        Scope               `yaml:"scope" json:"scope"`
	CollectionID string              `yaml:"collection,omitempty" json:"collection,omitempty"`
	Variables    map[string]Variable `yaml:"variables" json:"variables"`

	// InsecureSkipVerify disables TLS certificate checks for requests run in this environment.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
}

// Lookup returns the variable with the given name. A nil environment holds nothing.
func (e *Environment) Lookup(name string) (Variable, bool) {
	if e == nil {
		return Variable{}, false
	}
	v, ok := e.Variables[name]
	return v, ok
}
