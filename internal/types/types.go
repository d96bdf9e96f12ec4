// Package types defines the typed model for infragraph deployment manifests (v1alpha1).
package types

import (
	"path/filepath"
	"time"
)

// DeploymentManifest is the top-level structure of a v1alpha1 deployment manifest.
type DeploymentManifest struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   ObjectMeta     `yaml:"metadata"`
	Spec       DeploymentSpec `yaml:"spec"`

	// BaseDir is the directory relative rule paths are resolved against.
	BaseDir string `yaml:"-"`
}

// ResolvePath returns p relative to the manifest directory unless it is
// already absolute.
func (m *DeploymentManifest) ResolvePath(p string) string {
	if filepath.IsAbs(p) || m.BaseDir == "" {
		return p
	}
	return filepath.Join(m.BaseDir, p)
}

// ObjectMeta holds identity metadata for a deployment manifest.
type ObjectMeta struct {
	Name        string            `yaml:"name"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

// DeploymentSpec is the spec section of a DeploymentManifest.
type DeploymentSpec struct {
	Network      NetworkSpec                `yaml:"network"`
	AccessGroups map[string]AccessGroupSpec `yaml:"accessGroups"`
	Service      *ServiceSpec               `yaml:"service"`
	Pipeline     *PipelineSpec              `yaml:"pipeline"`
}

// NetworkSpec describes the VPC. Empty fields take the demo defaults.
type NetworkSpec struct {
	Name      string            `yaml:"name"`
	CIDR      string            `yaml:"cidr"`
	NATSubnet string            `yaml:"natSubnet"`
	Subnets   []SubnetSpec      `yaml:"subnets"`
	Tags      map[string]string `yaml:"tags"`
}

// SubnetSpec describes one subnet. A single-letter zone is a suffix of the
// deployment region.
type SubnetSpec struct {
	Name string `yaml:"name"`
	Tier string `yaml:"tier"`
	CIDR string `yaml:"cidr"`
	Zone string `yaml:"zone"`
}

// AccessGroupSpec names the rule tables compiled into one access group.
type AccessGroupSpec struct {
	Description string   `yaml:"description"`
	Rules       []string `yaml:"rules"`
	// Header is auto, present or absent.
	Header string `yaml:"header"`
}

// ServiceSpec describes the container service.
type ServiceSpec struct {
	Repository       string            `yaml:"repository"`
	Cluster          string            `yaml:"cluster"`
	Family           string            `yaml:"family"`
	ExecutionRole    string            `yaml:"executionRole"`
	CPU              string            `yaml:"cpu"`
	Memory           string            `yaml:"memory"`
	Container        string            `yaml:"container"`
	ContainerPort    uint16            `yaml:"containerPort"`
	ImageTag         string            `yaml:"imageTag"`
	LogRetentionDays int               `yaml:"logRetentionDays"`
	LoadBalancer     LoadBalancerSpec  `yaml:"loadBalancer"`
	AccessGroups     []string          `yaml:"accessGroups"`
	TargetGroups     []TargetGroupSpec `yaml:"targetGroups"`
	Listeners        []ListenerSpec    `yaml:"listeners"`
	ECSService       *ECSServiceSpec   `yaml:"ecsService"`
}

// LoadBalancerSpec names the load balancer and the access group guarding it.
type LoadBalancerSpec struct {
	Name        string `yaml:"name"`
	AccessGroup string `yaml:"accessGroup"`
}

// TargetGroupSpec describes one target group.
type TargetGroupSpec struct {
	Name            string        `yaml:"name"`
	HealthCheckPath string        `yaml:"healthCheckPath"`
	Stickiness      time.Duration `yaml:"stickiness"`
}

// ListenerSpec binds a port to a target group.
type ListenerSpec struct {
	Port        uint16 `yaml:"port"`
	TargetGroup string `yaml:"targetGroup"`
}

// ECSServiceSpec enables the long-running service.
type ECSServiceSpec struct {
	Name         string `yaml:"name"`
	DesiredCount int    `yaml:"desiredCount"`
}

// PipelineSpec describes the delivery pipeline.
type PipelineSpec struct {
	Name            string         `yaml:"name"`
	SourceBucket    string         `yaml:"sourceBucket"`
	ArtifactBucket  string         `yaml:"artifactBucket"`
	BuildRole       string         `yaml:"buildRole"`
	PipelineRole    string         `yaml:"pipelineRole"`
	Project         string         `yaml:"project"`
	BuildImage      string         `yaml:"buildImage"`
	BuildSpec       string         `yaml:"buildSpec"`
	Source          SourceSpec     `yaml:"source"`
	Artifacts       *ArtifactsSpec `yaml:"artifacts"`
	BuildEnv        []EnvVarSpec   `yaml:"buildEnv"`
	IncludeApproval bool           `yaml:"includeApproval"`
	Deploy          DeploySpec     `yaml:"deploy"`
}

// SourceSpec is the GitHub repository the pipeline polls. TokenSecret is
// the name of a Secrets Manager secret, never the token itself.
type SourceSpec struct {
	Owner       string `yaml:"owner"`
	Repo        string `yaml:"repo"`
	Branch      string `yaml:"branch"`
	TokenSecret string `yaml:"tokenSecret"`
}

// ArtifactsSpec names the artifacts passed between stages. When present,
// its values are used as written, including empty ones.
type ArtifactsSpec struct {
	Source string `yaml:"source"`
	Build  string `yaml:"build"`
	Deploy string `yaml:"deploy"`
}

// EnvVarSpec is one build-action environment variable.
type EnvVarSpec struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// DeploySpec names the deployment target.
type DeploySpec struct {
	Application      string `yaml:"application"`
	DeploymentGroup  string `yaml:"deploymentGroup"`
	ImagePlaceholder string `yaml:"imagePlaceholder"`
}
