package dialog

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"newtonchat/pkg/state"
)

//go:embed trees/default.yaml
var treeFS embed.FS

const defaultTreePath = "trees/default.yaml"

// treeNode is the file form of a subject. An attribute holds either a literal
// value or the name of the entry it hands control to.
type treeNode struct {
	Name     string     `yaml:"name"`
	Attrs    []treeAttr `yaml:"attrs"`
	Children []treeNode `yaml:"children"`
}

type treeAttr struct {
	Key    string   `yaml:"key"`
	Value  string   `yaml:"value"`
	State  string   `yaml:"state"`
	Params []string `yaml:"params"`
}

// LoadTree decodes a YAML subject tree.
func LoadTree(data []byte) (*state.Node, error) {
	var root treeNode
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode subject tree: %w", err)
	}
	return root.build("")
}

// LoadTreeFile reads a subject tree from path. An empty path loads the
// built-in tree.
func LoadTreeFile(path string) (*state.Node, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTree()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subject tree %s: %w", path, err)
	}
	return LoadTree(data)
}

// DefaultTree returns the built-in subject tree.
func DefaultTree() (*state.Node, error) {
	data, err := treeFS.ReadFile(defaultTreePath)
	if err != nil {
		return nil, fmt.Errorf("read built-in subject tree: %w", err)
	}
	return LoadTree(data)
}

func (n treeNode) build(parentPath string) (*state.Node, error) {
	name := strings.TrimSpace(n.Name)
	if name == "" {
		if parentPath == "" {
			return nil, errors.New("subject tree root has no name")
		}
		return nil, fmt.Errorf("subject under %q has no name", parentPath)
	}
	path := name
	if parentPath != "" {
		path = parentPath + " / " + name
	}

	node := &state.Node{Name: name}
	for _, attr := range n.Attrs {
		value, err := attr.build(path)
		if err != nil {
			return nil, err
		}
		node.Attrs = append(node.Attrs, state.Attr{Key: attr.Key, Value: value})
	}
	for _, child := range n.Children {
		built, err := child.build(path)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, built)
	}
	return node, nil
}

func (a treeAttr) build(path string) (state.AttrValue, error) {
	if strings.TrimSpace(a.Key) == "" {
		return state.AttrValue{}, fmt.Errorf("subject %q has an attribute without key", path)
	}
	target := strings.TrimSpace(a.State)
	switch {
	case target != "" && a.Value != "":
		return state.AttrValue{}, fmt.Errorf("attribute %q of %q has both value and state", a.Key, path)
	case target != "":
		params := make([]any, 0, len(a.Params))
		for _, param := range a.Params {
			params = append(params, param)
		}
		return state.Factory(func(state.Replier, *state.SubjectInfo, *state.SubjectSearch) state.Result {
			return state.Redirect(target, params...)
		}), nil
	default:
		return state.Text(a.Value), nil
	}
}
