// Package pipeline declares the source, build and deploy pipeline that ships
// new container images to the service.
//
// Stages run in a fixed order: Source, Build, an optional manual Approval,
// then Deploy. Each stage may only consume artifacts produced by an earlier
// stage; Stages checks this before producing the stage that would break it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
	"github.com/h3ow3d/infragraph/internal/config"
	"github.com/h3ow3d/infragraph/internal/graph"
	"github.com/h3ow3d/infragraph/internal/service"
)

var (
	// ErrMissingArtifact is returned when a stage consumes an artifact no
	// earlier stage produced, or the build stage produces none.
	ErrMissingArtifact = errors.New("missing artifact")
	// ErrInvalidPipeline is returned for any other invalid setting.
	ErrInvalidPipeline = errors.New("invalid pipeline")
)

const opBuild = "build pipeline"

var placeholderRE = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Managed policies attached to the build role.
var buildPolicies = []string{
	"AWSCodeBuildAdminAccess",
	"AmazonS3FullAccess",
	"AmazonEC2ContainerRegistryFullAccess",
}

// Managed policies attached to the pipeline role.
var pipelinePolicies = []string{
	"AWSCodePipeline_FullAccess",
	"AWSCodeDeployFullAccess",
	"AmazonS3FullAccess",
}

// GitHubSource is the repository the pipeline polls.
type GitHubSource struct {
	Owner  string
	Repo   string
	Branch string
	// TokenSecret names a Secrets Manager secret; the token itself never
	// appears in the template.
	TokenSecret string
}

// Config describes the pipeline to declare.
type Config struct {
	Name           string
	SourceBucket   string
	ArtifactBucket string
	BuildRole      string
	PipelineRole   string
	Project        string
	BuildImage     string
	BuildSpec      string
	// SourceArchive is the object key the build project reads from the
	// source bucket.
	SourceArchive string
	// BuildOutputName is the object key the build project writes.
	BuildOutputName string

	Source GitHubSource

	SourceArtifact string
	BuildArtifact  string
	// DeployArtifact is the artifact the deploy stage consumes. It defaults
	// to BuildArtifact.
	DeployArtifact string
	BuildEnv       []EnvVar

	IncludeApproval bool

	Application      string
	DeploymentGroup  string
	ImagePlaceholder string
	AppSpecPath      string
	TaskDefPath      string
}

// DefaultConfig returns the demo pipeline for the service top.
func DefaultConfig(top *service.Topology) Config {
	cluster, svc, family := "DEMO-CLUSTER", "DEMO-SERVICE", "DEMO-TASK"
	if top != nil {
		cluster, family = top.ClusterName, top.Family
		if top.ServiceName != "" {
			svc = top.ServiceName
		}
	}
	return Config{
		Name:            "DEMO-PIPELINE",
		SourceBucket:    "demo-codepipeline-source-bucket",
		ArtifactBucket:  "demo-codepipeline-artifact-bucket",
		BuildRole:       "DEMO-CODE-BUILD-ROLE",
		PipelineRole:    "DEMO-PIPELINE-ROLE",
		Project:         "DEMO-BUILD",
		BuildImage:      "aws/codebuild/standard:3.0",
		BuildSpec:       "etc/cicd/buildspec.yml",
		SourceArchive:   "archive.zip",
		BuildOutputName: "artifact-codebuild.zip",
		SourceArtifact:  "SourceArtifact",
		BuildArtifact:   "BuildArtifact",
		BuildEnv: []EnvVar{
			{Name: "ENV", Value: "develop"},
			{Name: "FAMILY_NAME", Value: family},
		},
		Application:      "AppECS-" + cluster + "-" + svc,
		DeploymentGroup:  "DgpECS-" + cluster + "-" + svc,
		ImagePlaceholder: "IMAGE_NAME",
		AppSpecPath:      "appspec.yml",
		TaskDefPath:      "taskdef.json",
	}
}

// Pipeline holds references to every node Build declared.
type Pipeline struct {
	Name           string
	Stages         []Stage
	SourceBucket   graph.Ref
	ArtifactBucket graph.Ref
	BuildRole      graph.Ref
	PipelineRole   graph.Ref
	Project        graph.Ref
	Pipeline       graph.Ref
	// ProjectEnv is the fixed environment of the build project.
	ProjectEnv []EnvVar
}

// Stage returns the first stage of kind k.
func (p *Pipeline) Stage(k StageKind) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Kind == k {
			return s, true
		}
	}
	return Stage{}, false
}

func (cfg Config) validate() error {
	var errs []string
	for _, r := range []struct{ field, value string }{
		{"name", cfg.Name},
		{"sourceBucket", cfg.SourceBucket},
		{"artifactBucket", cfg.ArtifactBucket},
		{"buildRole", cfg.BuildRole},
		{"pipelineRole", cfg.PipelineRole},
		{"project", cfg.Project},
		{"buildImage", cfg.BuildImage},
		{"buildSpec", cfg.BuildSpec},
		{"source.owner", cfg.Source.Owner},
		{"source.repo", cfg.Source.Repo},
		{"source.branch", cfg.Source.Branch},
		{"source.tokenSecret", cfg.Source.TokenSecret},
		{"application", cfg.Application},
		{"deploymentGroup", cfg.DeploymentGroup},
	} {
		if r.value == "" {
			errs = append(errs, r.field+" is required")
		}
	}
	if strings.ContainsAny(cfg.Source.TokenSecret, "{}") {
		errs = append(errs, "source.tokenSecret must be a secret name, not a token or reference")
	}
	if cfg.ImagePlaceholder != "" && !placeholderRE.MatchString(cfg.ImagePlaceholder) {
		errs = append(errs, fmt.Sprintf("imagePlaceholder %q must be upper-case letters, digits and underscores", cfg.ImagePlaceholder))
	}
	seen := make(map[string]bool)
	for _, v := range cfg.BuildEnv {
		if v.Name == "" {
			errs = append(errs, "build environment variable without a name")
		} else if seen[v.Name] {
			errs = append(errs, fmt.Sprintf("build environment variable %s set twice", v.Name))
		}
		seen[v.Name] = true
	}
	if len(errs) > 0 {
		return cfgerr.Newf(opBuild, ErrInvalidPipeline, "\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Stages builds the stage sequence for cfg, checking artifacts in stage
// order. On error it returns the stages built before the failing one.
func Stages(cfg Config, project graph.Ref) ([]Stage, error) {
	deployInput := cfg.DeployArtifact
	if deployInput == "" {
		deployInput = cfg.BuildArtifact
	}

	planned := []Stage{
		{Name: "Source", Kind: StageSource, Actions: []Action{SourceAction{
			Name:        "source_from_github",
			Owner:       cfg.Source.Owner,
			Repo:        cfg.Source.Repo,
			Branch:      cfg.Source.Branch,
			TokenSecret: cfg.Source.TokenSecret,
			Output:      cfg.SourceArtifact,
		}}},
		{Name: "Build", Kind: StageBuild, Actions: []Action{BuildAction{
			Name:    "Build",
			Project: project,
			Input:   cfg.SourceArtifact,
			Output:  cfg.BuildArtifact,
			Env:     cfg.BuildEnv,
		}}},
	}
	if cfg.IncludeApproval {
		planned = append(planned, Stage{Name: "Approval", Kind: StageApproval, Actions: []Action{ApprovalAction{Name: "Approval"}}})
	}
	planned = append(planned, Stage{Name: "Deploy", Kind: StageDeploy, Actions: []Action{DeployAction{
		Name:             "Deploy",
		Application:      cfg.Application,
		DeploymentGroup:  cfg.DeploymentGroup,
		Input:            deployInput,
		AppSpecPath:      cfg.AppSpecPath,
		TaskDefPath:      cfg.TaskDefPath,
		ImagePlaceholder: cfg.ImagePlaceholder,
	}}})

	produced := make(map[string]bool)
	var out []Stage
	for _, s := range planned {
		for _, in := range s.Inputs() {
			if in == "" || !produced[in] {
				return out, cfgerr.Newf(opBuild, ErrMissingArtifact, "stage %s consumes %q, which no earlier stage produces", s.Name, in)
			}
		}
		outputs := s.Outputs()
		for _, a := range outputs {
			if a == "" {
				return out, cfgerr.Newf(opBuild, ErrMissingArtifact, "stage %s declares an unnamed output artifact", s.Name)
			}
		}
		if (s.Kind == StageSource || s.Kind == StageBuild) && len(outputs) == 0 {
			return out, cfgerr.Newf(opBuild, ErrMissingArtifact, "stage %s defines no output artifact", s.Name)
		}
		for _, a := range outputs {
			produced[a] = true
		}
		out = append(out, s)
	}
	return out, nil
}

// ProjectEnv returns the fixed environment of the build project. Every
// variable must be set.
func ProjectEnv(env config.Config, top *service.Topology) ([]EnvVar, error) {
	vars := []EnvVar{
		{Name: "IMAGE_REPO_NAME", Value: top.RepositoryName},
		{Name: "AWS_DEFAULT_REGION", Value: env.Region},
		{Name: "AWS_ACCOUNT_ID", Value: env.AccountID},
		{Name: "CONTAINER_NAME", Value: top.Container},
	}
	for _, v := range vars {
		if v.Value == "" {
			return nil, cfgerr.Newf(opBuild, config.ErrMissingInput, "build variable %s is empty", v.Name)
		}
	}
	return vars, nil
}

// Build declares the pipeline described by cfg. It needs the service
// topology for the image repository and container names.
func Build(ctx context.Context, g *graph.Graph, env config.Config, top *service.Topology, cfg Config) (*Pipeline, error) {
	if top == nil {
		return nil, cfgerr.Newf(opBuild, graph.ErrDanglingReference, "pipeline requires a service")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	projectEnv, err := ProjectEnv(env, top)
	if err != nil {
		return nil, err
	}
	stages, err := Stages(cfg, graph.Ref{Name: "BuildProject"})
	if err != nil {
		return nil, err
	}
	log := clog.FromContext(ctx).With("pipeline", cfg.Name)

	b := &builder{g: g}
	p := &Pipeline{Name: cfg.Name, Stages: stages, ProjectEnv: projectEnv}

	p.SourceBucket = b.add("SourceBucket", graph.KindBucket, map[string]any{
		"BucketName":                     cfg.SourceBucket,
		"VersioningConfiguration":        map[string]any{"Status": "Enabled"},
		"PublicAccessBlockConfiguration": blockPublicAccess(),
	})
	p.ArtifactBucket = b.add("ArtifactBucket", graph.KindBucket, map[string]any{
		"BucketName":                     cfg.ArtifactBucket,
		"PublicAccessBlockConfiguration": blockPublicAccess(),
	})
	p.BuildRole = b.add("CodeBuildRole", graph.KindRole, map[string]any{
		"RoleName":                 cfg.BuildRole,
		"AssumeRolePolicyDocument": service.AssumeRolePolicy("codebuild.amazonaws.com"),
		"ManagedPolicyArns":        policyARNs(buildPolicies),
	})

	vars := make([]any, 0, len(projectEnv))
	for _, v := range projectEnv {
		vars = append(vars, map[string]any{"Name": v.Name, "Value": v.Value, "Type": "PLAINTEXT"})
	}
	p.Project = b.add("BuildProject", graph.KindBuildProject, map[string]any{
		"Name":        cfg.Project,
		"ServiceRole": p.BuildRole.GetAtt("Arn"),
		"Source": map[string]any{
			"Type":      "S3",
			"Location":  graph.Join{Delimiter: "/", Parts: []any{p.SourceBucket, cfg.SourceArchive}},
			"BuildSpec": cfg.BuildSpec,
		},
		"Environment": map[string]any{
			"Type":                 "LINUX_CONTAINER",
			"ComputeType":          "BUILD_GENERAL1_SMALL",
			"Image":                cfg.BuildImage,
			"PrivilegedMode":       true,
			"EnvironmentVariables": vars,
		},
		"Artifacts": map[string]any{
			"Type":                 "S3",
			"Location":             p.SourceBucket,
			"Name":                 cfg.BuildOutputName,
			"Packaging":            "ZIP",
			"OverrideArtifactName": false,
		},
	})

	p.PipelineRole = b.add("PipelineRole", graph.KindRole, map[string]any{
		"RoleName":                 cfg.PipelineRole,
		"AssumeRolePolicyDocument": service.AssumeRolePolicy("codepipeline.amazonaws.com"),
		"ManagedPolicyArns":        policyARNs(pipelinePolicies),
	})

	decl := make([]any, 0, len(stages))
	for _, s := range stages {
		decl = append(decl, s.declaration())
		log.Debug("declared stage", "stage", s.Name, "inputs", s.Inputs(), "outputs", s.Outputs())
	}
	p.Pipeline = b.add("Pipeline", graph.KindPipeline, map[string]any{
		"Name":    cfg.Name,
		"RoleArn": p.PipelineRole.GetAtt("Arn"),
		"ArtifactStore": map[string]any{
			"Type":     "S3",
			"Location": p.ArtifactBucket,
		},
		"Stages": decl,
	})

	if b.err != nil {
		return nil, b.err
	}
	return p, nil
}

type builder struct {
	g   *graph.Graph
	err error
}

func (b *builder) add(name string, kind graph.Kind, props map[string]any) graph.Ref {
	if b.err != nil {
		return graph.Ref{Name: name}
	}
	ref, err := b.g.Add(graph.Node{Name: name, Kind: kind, Properties: props})
	if err != nil {
		b.err = err
	}
	return ref
}

func blockPublicAccess() map[string]any {
	return map[string]any{
		"BlockPublicAcls":       true,
		"BlockPublicPolicy":     true,
		"IgnorePublicAcls":      true,
		"RestrictPublicBuckets": true,
	}
}

func policyARNs(names []string) []any {
	out := make([]any, 0, len(names))
	for _, n := range names {
		out = append(out, service.ManagedPolicyARN(n))
	}
	return out
}
