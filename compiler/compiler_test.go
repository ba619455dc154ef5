package compiler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/K3das/transcript-extraction/pipeline"
	"sigs.k8s.io/yaml"
)

type compiledTask struct {
	ComponentRef string `json:"componentRef"`
	Item         int    `json:"item"`
	Inputs       struct {
		Artifacts struct {
			Audio struct {
				Importer string `json:"importer"`
			} `json:"audio"`
		} `json:"artifacts"`
		Parameters []string `json:"parameters"`
	} `json:"inputs"`
	Outputs struct {
		Text string `json:"text"`
	} `json:"outputs"`
}

type compiledPipeline struct {
	PipelineInfo struct {
		Name string `json:"name"`
	} `json:"pipelineInfo"`
	Components map[string]json.RawMessage `json:"components"`
	Root       struct {
		InputDefinitions struct {
			Parameters map[string]struct {
				DefaultValue json.RawMessage `json:"defaultValue"`
			} `json:"parameters"`
		} `json:"inputDefinitions"`
		Dag struct {
			Tasks map[string]struct {
				OutputRoot string `json:"outputRoot"`
				Iterator   struct {
					ItemCount int `json:"itemCount"`
				} `json:"iterator"`
				Importers map[string]struct {
					ArtifactURI string `json:"artifactUri"`
					StagedPath  string `json:"stagedPath"`
					Reimport    bool   `json:"reimport"`
				} `json:"importers"`
				Tasks map[string]compiledTask `json:"tasks"`
			} `json:"tasks"`
		} `json:"dag"`
	} `json:"root"`
}

func compile(t *testing.T, params pipeline.Params) (*pipeline.Graph, []byte, compiledPipeline) {
	t.Helper()

	g, err := pipeline.Plan(params, pipeline.PlanOptions{OutputDir: "out"})
	if err != nil {
		t.Fatal(err)
	}

	c, err := NewCompiler()
	if err != nil {
		t.Fatalf("creating compiler: %v", err)
	}

	out, err := c.Compile(g)
	if err != nil {
		t.Fatalf("compiling: %v", err)
	}

	jsonOut, err := yaml.YAMLToJSON(out)
	if err != nil {
		t.Fatalf("output is not yaml: %v", err)
	}

	var compiled compiledPipeline
	if err := json.Unmarshal(jsonOut, &compiled); err != nil {
		t.Fatalf("decoding compiled pipeline: %v", err)
	}

	return g, out, compiled
}

func TestCompile(t *testing.T) {
	g, _, compiled := compile(t, pipeline.Params{
		AudioURIs:     []string{"gs://bucket/a.wav", "gs://bucket/b.wav"},
		ProjectID:     "proj1",
		CredentialRef: "file:/var/run/secrets/openai",
	})

	if compiled.PipelineInfo.Name != pipeline.PipelineName {
		t.Fatalf("unexpected name %q", compiled.PipelineInfo.Name)
	}
	for _, component := range pipeline.Components {
		if _, ok := compiled.Components[string(component)]; !ok {
			t.Fatalf("missing component %s", component)
		}
	}

	group, ok := compiled.Root.Dag.Tasks[pipeline.ForEachName]
	if !ok {
		t.Fatalf("missing %s group", pipeline.ForEachName)
	}
	if group.OutputRoot != "out/{{run_id}}" {
		t.Fatalf("unexpected output root %q", group.OutputRoot)
	}
	if group.Iterator.ItemCount != 2 {
		t.Fatalf("expected 2 items, got %d", group.Iterator.ItemCount)
	}
	if len(group.Importers) != 2 || group.Importers["audio-0"].StagedPath != "/gcs/bucket/a.wav" || group.Importers["audio-0"].Reimport {
		t.Fatalf("unexpected importers %+v", group.Importers)
	}
	if len(group.Tasks) != len(g.Tasks) {
		t.Fatalf("expected %d tasks, got %d", len(g.Tasks), len(group.Tasks))
	}

	for _, task := range g.Tasks {
		got, ok := group.Tasks[task.ID]
		if !ok {
			t.Fatalf("missing task %s", task.ID)
		}
		if got.ComponentRef != string(task.Component) || got.Inputs.Artifacts.Audio.Importer != task.Input || got.Outputs.Text != task.Output {
			t.Fatalf("task %s compiled as %+v", task.ID, got)
		}
	}

	whisper := group.Tasks[pipeline.TaskID(0, pipeline.ComponentWhisper)]
	if len(whisper.Inputs.Parameters) != 1 || whisper.Inputs.Parameters[0] != "credential_ref" {
		t.Fatalf("unexpected whisper parameters %v", whisper.Inputs.Parameters)
	}
}

func TestCompile_CredentialByReferenceOnly(t *testing.T) {
	_, out, compiled := compile(t, pipeline.Params{
		AudioURIs:     []string{"gs://bucket/a.wav"},
		ProjectID:     "proj1",
		CredentialRef: "env:OPENAI_API_KEY",
	})

	if !strings.Contains(string(out), "env:OPENAI_API_KEY") {
		t.Fatal("expected the credential reference in the output")
	}
	if string(compiled.Root.InputDefinitions.Parameters["credential_ref"].DefaultValue) != `"env:OPENAI_API_KEY"` {
		t.Fatalf("unexpected credential_ref %s", compiled.Root.InputDefinitions.Parameters["credential_ref"].DefaultValue)
	}
}

func TestCompileToFile(t *testing.T) {
	g, err := pipeline.Plan(pipeline.Params{
		AudioURIs: []string{"gs://bucket/a.wav"},
		ProjectID: "proj1",
	}, pipeline.PlanOptions{OutputDir: "out"})
	if err != nil {
		t.Fatal(err)
	}

	c, err := NewCompiler()
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := c.CompileToFile(g, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "transcriptions-0-transcribe-with-chirp") {
		t.Fatalf("unexpected output:\n%s", data)
	}
}
