package pipeline

import (
	"fmt"
	"path/filepath"
)

const PipelineName = "transcript-extraction"

// ForEachName names the fan-out group every task belongs to.
const ForEachName = "transcriptions"

type Component string

const (
	ComponentChirp   Component = "transcribe-with-chirp"
	ComponentWhisper Component = "transcribe-with-whisper"
)

// Components are the branches spawned for every staged artifact.
var Components = []Component{ComponentChirp, ComponentWhisper}

var ErrNoAudio = fmt.Errorf("no audio uris given")
var ErrNoProject = fmt.Errorf("no project id given")

// Params are supplied once per run and never change during it.
type Params struct {
	AudioURIs     []string `json:"audio_uris"`
	ProjectID     string   `json:"project_id"`
	// CredentialRef names where the transcription key is fetched from, never the key
	CredentialRef string   `json:"credential_ref"`
}

type PlanOptions struct {
	OutputDir string
	MountRoot string
}

// Artifact is one staged input, shared by every task reading the same uri.
type Artifact struct {
	ID         string `json:"id"`
	URI        string `json:"uri"`
	StagedPath string `json:"staged_path"`
}

type Task struct {
	ID        string    `json:"id"`
	Item      int       `json:"item"`
	Component Component `json:"component"`
	// Input is the id of the artifact the task reads
	Input     string    `json:"input"`
	// Output is relative to the run's output dir, see Graph.OutputPath
	Output    string    `json:"output"`
}

// Graph is the declarative form of a run: artifacts and the independent tasks
// consuming them. Tasks have no dependencies on each other.
type Graph struct {
	Name      string     `json:"name"`
	ForEach   string     `json:"for_each"`
	Params    Params     `json:"params"`
	OutputDir string     `json:"output_dir"`
	Artifacts []Artifact `json:"artifacts"`
	Tasks     []Task     `json:"tasks"`
}

func (g *Graph) Artifact(id string) (Artifact, bool) {
	for _, a := range g.Artifacts {
		if a.ID == id {
			return a, true
		}
	}
	return Artifact{}, false
}

func TaskID(item int, component Component) string {
	return fmt.Sprintf("%s-%d-%s", ForEachName, item, component)
}

// OutputName is the location of a task's transcript inside a run's output dir.
func OutputName(item int, component Component) string {
	return filepath.Join(fmt.Sprintf("%d-%s", item, component), "text.txt")
}

// OutputPath is where task writes its transcript during run runID. Every run
// gets its own directory, so reruns never collide with earlier outputs.
func (g *Graph) OutputPath(runID string, task Task) string {
	return filepath.Join(g.OutputDir, runID, task.Output)
}

// Plan fans params out into a graph: every uri is staged once and feeds one
// task per component.
func Plan(params Params, options PlanOptions) (*Graph, error) {
	if len(params.AudioURIs) == 0 {
		return nil, ErrNoAudio
	}
	if params.ProjectID == "" {
		return nil, ErrNoProject
	}

	g := &Graph{
		Name:    PipelineName,
		ForEach: ForEachName,
		Params: Params{
			AudioURIs:     append([]string(nil), params.AudioURIs...),
			ProjectID:     params.ProjectID,
			CredentialRef: params.CredentialRef,
		},
		OutputDir: options.OutputDir,
	}

	staged := make(map[string]string, len(params.AudioURIs))
	for item, uri := range params.AudioURIs {
		artifactID, ok := staged[uri]
		if !ok {
			stagedPath, err := StagedPath(uri, options.MountRoot)
			if err != nil {
				return nil, fmt.Errorf("staging item %d: %w", item, err)
			}

			artifactID = fmt.Sprintf("audio-%d", len(g.Artifacts))
			g.Artifacts = append(g.Artifacts, Artifact{
				ID:         artifactID,
				URI:        uri,
				StagedPath: stagedPath,
			})
			staged[uri] = artifactID
		}

		for _, component := range Components {
			g.Tasks = append(g.Tasks, Task{
				ID:        TaskID(item, component),
				Item:      item,
				Component: component,
				Input:     artifactID,
				Output:    OutputName(item, component),
			})
		}
	}

	return g, nil
}
