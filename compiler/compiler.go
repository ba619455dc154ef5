package compiler

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/K3das/transcript-extraction/pipeline"
	"github.com/google/go-jsonnet"
	"sigs.k8s.io/yaml"
)

//go:embed jsonnet/*
var templates embed.FS

// Compiler renders graphs into the declarative pipeline artifact handed to an
// orchestrator.
type Compiler struct {
	mu sync.Mutex
	vm *jsonnet.VM
}

func NewCompiler() (*Compiler, error) {
	c := &Compiler{
		vm: jsonnet.MakeVM(),
	}

	imports := make(map[string]jsonnet.Contents)
	err := fs.WalkDir(templates, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			content, err := templates.ReadFile(path)
			if err != nil {
				return err
			}
			imports[strings.TrimPrefix(path, "jsonnet/")] = jsonnet.MakeContentsRaw(content)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	c.vm.Importer(&jsonnet.MemoryImporter{
		Data: imports,
	})

	_, _, err = c.vm.ImportData("anonymous", "pipeline.jsonnet")
	if err != nil {
		return nil, fmt.Errorf("importing pipeline: %w", err)
	}

	return c, nil
}

// Compile returns g as a YAML document.
func (c *Compiler) Compile(g *pipeline.Graph) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	jsonData, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshaling graph: %w", err)
	}
	c.vm.TLACode("graph", string(jsonData))
	defer c.vm.TLAReset()

	jsonOut, err := c.vm.EvaluateAnonymousSnippet("anonymous", "function(graph) (import 'pipeline.jsonnet')(graph)")
	if err != nil {
		return nil, fmt.Errorf("evaluating jsonnet: %w", err)
	}

	yamlOut, err := yaml.JSONToYAML([]byte(jsonOut))
	if err != nil {
		return nil, fmt.Errorf("converting to yaml: %w", err)
	}

	return yamlOut, nil
}

func (c *Compiler) CompileToFile(g *pipeline.Graph, path string) error {
	out, err := c.Compile(g)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing compiled pipeline: %w", err)
	}

	return nil
}
