package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/h3ow3d/infragraph/internal/graph"
)

// StageKind identifies a pipeline stage.
type StageKind int

const (
	StageSource StageKind = iota
	StageBuild
	StageApproval
	StageDeploy
)

func (k StageKind) String() string {
	switch k {
	case StageSource:
		return "Source"
	case StageBuild:
		return "Build"
	case StageApproval:
		return "Approval"
	case StageDeploy:
		return "Deploy"
	}
	return fmt.Sprintf("StageKind(%d)", int(k))
}

// Stage is one step of the pipeline. Stage order is significant.
type Stage struct {
	Name    string
	Kind    StageKind
	Actions []Action
}

// Inputs returns the artifacts consumed by every action of the stage.
func (s Stage) Inputs() []string {
	var out []string
	for _, a := range s.Actions {
		out = append(out, a.Inputs()...)
	}
	return out
}

// Outputs returns the artifacts produced by every action of the stage.
func (s Stage) Outputs() []string {
	var out []string
	for _, a := range s.Actions {
		out = append(out, a.Outputs()...)
	}
	return out
}

func (s Stage) declaration() map[string]any {
	actions := make([]any, 0, len(s.Actions))
	for _, a := range s.Actions {
		actions = append(actions, a.declaration())
	}
	return map[string]any{"Name": s.Name, "Actions": actions}
}

// Action is a single action inside a stage. The set of implementations is
// closed: SourceAction, BuildAction, ApprovalAction and DeployAction.
type Action interface {
	ActionName() string
	Inputs() []string
	Outputs() []string
	declaration() map[string]any
}

// EnvVar is a plain-text build environment variable.
type EnvVar struct {
	Name  string
	Value string
}

// SourceAction polls a GitHub branch.
type SourceAction struct {
	Name   string
	Owner  string
	Repo   string
	Branch string
	// TokenSecret names the Secrets Manager secret holding the OAuth token.
	TokenSecret string
	Output      string
}

func (a SourceAction) ActionName() string { return a.Name }
func (a SourceAction) Inputs() []string   { return nil }
func (a SourceAction) Outputs() []string  { return []string{a.Output} }

func (a SourceAction) declaration() map[string]any {
	return action(a.Name, "Source", "ThirdParty", "GitHub", map[string]any{
		"Owner":                a.Owner,
		"Repo":                 a.Repo,
		"Branch":               a.Branch,
		"OAuthToken":           SecretReference(a.TokenSecret),
		"PollForSourceChanges": true,
	}, a)
}

// SecretReference returns the dynamic reference that resolves the OAuth
// token stored in secret at apply time.
func SecretReference(secret string) string {
	return "{{resolve:secretsmanager:" + secret + "}}"
}

// BuildAction runs the build project on Input and publishes Output.
type BuildAction struct {
	Name    string
	Project graph.Ref
	Input   string
	Output  string
	Env     []EnvVar
}

func (a BuildAction) ActionName() string { return a.Name }
func (a BuildAction) Inputs() []string   { return []string{a.Input} }

func (a BuildAction) Outputs() []string {
	if a.Output == "" {
		return nil
	}
	return []string{a.Output}
}

func (a BuildAction) declaration() map[string]any {
	cfg := map[string]any{"ProjectName": a.Project}
	if len(a.Env) > 0 {
		cfg["EnvironmentVariables"] = envJSON(a.Env)
	}
	return action(a.Name, "Build", "AWS", "CodeBuild", cfg, a)
}

// ApprovalAction waits for a manual approval.
type ApprovalAction struct {
	Name string
}

func (a ApprovalAction) ActionName() string { return a.Name }
func (a ApprovalAction) Inputs() []string   { return nil }
func (a ApprovalAction) Outputs() []string  { return nil }

func (a ApprovalAction) declaration() map[string]any {
	return action(a.Name, "Approval", "AWS", "Manual", nil, a)
}

// DeployAction hands Input to a blue/green ECS deployment. The artifact
// carries the rendered appspec and task definition templates.
type DeployAction struct {
	Name             string
	Application      string
	DeploymentGroup  string
	Input            string
	AppSpecPath      string
	TaskDefPath      string
	ImagePlaceholder string
}

func (a DeployAction) ActionName() string { return a.Name }
func (a DeployAction) Inputs() []string   { return []string{a.Input} }
func (a DeployAction) Outputs() []string  { return nil }

func (a DeployAction) declaration() map[string]any {
	return action(a.Name, "Deploy", "AWS", "CodeDeployToECS", map[string]any{
		"ApplicationName":                a.Application,
		"DeploymentGroupName":            a.DeploymentGroup,
		"TaskDefinitionTemplateArtifact": a.Input,
		"TaskDefinitionTemplatePath":     a.TaskDefPath,
		"AppSpecTemplateArtifact":        a.Input,
		"AppSpecTemplatePath":            a.AppSpecPath,
		"Image1ArtifactName":             a.Input,
		"Image1ContainerName":            a.ImagePlaceholder,
	}, a)
}

func action(name, category, owner, provider string, cfg map[string]any, a Action) map[string]any {
	m := map[string]any{
		"Name": name,
		"ActionTypeId": map[string]any{
			"Category": category,
			"Owner":    owner,
			"Provider": provider,
			"Version":  "1",
		},
		"RunOrder": 1,
	}
	if cfg != nil {
		m["Configuration"] = cfg
	}
	if in := a.Inputs(); len(in) > 0 {
		m["InputArtifacts"] = artifacts(in)
	}
	if out := a.Outputs(); len(out) > 0 {
		m["OutputArtifacts"] = artifacts(out)
	}
	return m
}

func artifacts(names []string) []any {
	out := make([]any, 0, len(names))
	for _, n := range names {
		out = append(out, map[string]any{"Name": n})
	}
	return out
}

// envJSON renders build-action variables in the JSON string form the
// pipeline action configuration expects.
func envJSON(vars []EnvVar) string {
	type envVar struct {
		Name  string `json:"name"`
		Value string `json:"value"`
		Type  string `json:"type"`
	}
	out := make([]envVar, 0, len(vars))
	for _, v := range vars {
		out = append(out, envVar{Name: v.Name, Value: v.Value, Type: "PLAINTEXT"})
	}
	b, _ := json.Marshal(out)
	return string(b)
}
