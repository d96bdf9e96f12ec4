package stack_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
	"github.com/h3ow3d/infragraph/internal/config"
	"github.com/h3ow3d/infragraph/internal/graph"
	"github.com/h3ow3d/infragraph/internal/manifest"
	"github.com/h3ow3d/infragraph/internal/pipeline"
	"github.com/h3ow3d/infragraph/internal/rules"
	"github.com/h3ow3d/infragraph/internal/stack"
	"github.com/h3ow3d/infragraph/internal/types"
)

const demoManifest = "../../stacks/demo/deployment.yaml"

var env = config.Config{AccountID: "123456789012", Region: "ap-northeast-1"}

func compileDemo(t *testing.T) *stack.Snapshot {
	t.Helper()
	m, err := manifest.Load(demoManifest)
	require.NoError(t, err)
	snap, err := stack.Compile(context.Background(), env, m, stack.Options{})
	require.NoError(t, err)
	return snap
}

// writeDeployment writes a manifest and its rule files into a temp dir.
func writeDeployment(t *testing.T, doc string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	path := filepath.Join(dir, "deployment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

const minimal = `
apiVersion: infragraph.io/v1alpha1
kind: Deployment
metadata:
  name: minimal
spec:
  accessGroups:
    DEMO-ALB-SG:
      rules: [alb.csv]
    DEMO-SERVICE-SG:
      rules: [service.csv]
  service: {}
  pipeline:
    source: {owner: o, repo: r, tokenSecret: s}
`

func minimalFiles(alb string) map[string]string {
	return map[string]string{
		"alb.csv":     alb,
		"service.csv": "cidr,10.5.5.0/24,vpc,8080\n",
	}
}

func TestCompileDemo(t *testing.T) {
	snap := compileDemo(t)

	assert.Equal(t, []string{stack.StepAccessGroups, stack.StepNetwork, stack.StepService, stack.StepPipeline}, snap.Order)
	require.NoError(t, snap.Graph.Validate())

	require.Len(t, snap.AccessGroups, 2)
	alb := snap.AccessGroups[0]
	assert.Equal(t, "DEMO-ALB-SG", alb.Name)
	assert.True(t, alb.Frozen())
	require.Len(t, alb.Rules(), 3)
	assert.Equal(t, rules.AnyIPv4, alb.Rules()[0].Peer)
	assert.Equal(t, rules.Peer{Strategy: rules.StrategyPrefixList, Value: "pl-58a54031"}, alb.Rules()[2].Peer)

	tg, ok := snap.Service.Binding(80)
	require.True(t, ok)
	assert.Equal(t, "DEMO-BLUE-TG", tg)
	tg, _ = snap.Service.Binding(8080)
	assert.Equal(t, "DEMO-GREEN-TG", tg)

	subnet, _ := snap.Graph.Node("SubnetDEMOPRIVATESUBNETC")
	assert.Equal(t, "ap-northeast-1c", subnet.Properties["AvailabilityZone"])

	_, ok = snap.Pipeline.Stage(pipeline.StageApproval)
	assert.False(t, ok)
	_, ok = snap.Pipeline.Stage(pipeline.StageDeploy)
	assert.True(t, ok)
}

func TestCompileIsIdempotent(t *testing.T) {
	first := compileDemo(t)
	second := compileDemo(t)
	opts := cmp.Options{cmp.AllowUnexported(graph.Node{}), cmpopts.EquateEmpty()}
	if diff := cmp.Diff(first.Graph.Nodes(), second.Graph.Nodes(), opts); diff != "" {
		t.Errorf("graphs differ (-first +second):\n%s", diff)
	}
}

func TestCompileRequiresEnvironment(t *testing.T) {
	m, err := manifest.Load(demoManifest)
	require.NoError(t, err)

	_, err = stack.Compile(context.Background(), config.Config{Region: "ap-northeast-1"}, m, stack.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingInput)
	assert.ErrorIs(t, err, cfgerr.ErrConfiguration)
}

func TestCompileMalformedRuleRow(t *testing.T) {
	path := writeDeployment(t, minimal, minimalFiles("any_ipv4,,http,80\nany_ipv4,,https,https\n"))
	m, err := manifest.Load(path)
	require.NoError(t, err)

	snap, err := stack.Compile(context.Background(), env, m, stack.Options{})
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, rules.ErrMalformedRuleRow)
	assert.Contains(t, err.Error(), "alb.csv:2")
}

func TestCompileMissingRuleFile(t *testing.T) {
	files := minimalFiles("")
	delete(files, "alb.csv")
	m, err := manifest.Load(writeDeployment(t, minimal, files))
	require.NoError(t, err)

	_, err = stack.Compile(context.Background(), env, m, stack.Options{})
	assert.ErrorIs(t, err, rules.ErrRuleSourceNotFound)
}

func TestCompileStrictRuleKinds(t *testing.T) {
	m, err := manifest.Load(writeDeployment(t, minimal, minimalFiles("office,203.0.113.0/24,office,443\n")))
	require.NoError(t, err)

	_, err = stack.Compile(context.Background(), env, m, stack.Options{})
	require.NoError(t, err)

	_, err = stack.Compile(context.Background(), env, m, stack.Options{StrictRuleKinds: true})
	assert.ErrorIs(t, err, rules.ErrUnknownRuleKind)
}

func TestCompileMissingBuildArtifact(t *testing.T) {
	doc := minimal + "    artifacts: {source: SourceArtifact}\n"
	m, err := manifest.Load(writeDeployment(t, doc, minimalFiles("any_ipv4,,http,80\n")))
	require.NoError(t, err)

	_, err = stack.Compile(context.Background(), env, m, stack.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrMissingArtifact)
	assert.Contains(t, err.Error(), "step pipeline")
}

func TestCompileDerivesSubnetsForCustomCIDR(t *testing.T) {
	doc := strings.Replace(minimal, "spec:\n", "spec:\n  network:\n    cidr: 172.16.0.0/24\n", 1)
	m, err := manifest.Load(writeDeployment(t, doc, minimalFiles("any_ipv4,,http,80\n")))
	require.NoError(t, err)

	snap, err := stack.Compile(context.Background(), env, m, stack.Options{})
	require.NoError(t, err)
	var got []string
	for _, s := range snap.Network.Subnets {
		got = append(got, s.CIDR)
	}
	assert.Equal(t, []string{"172.16.0.0/26", "172.16.0.64/26", "172.16.0.128/26", "172.16.0.192/26"}, got)
}

func TestPipelineWithoutServiceIsDangling(t *testing.T) {
	m := &types.DeploymentManifest{
		Metadata: types.ObjectMeta{Name: "x"},
		Spec:     types.DeploymentSpec{Pipeline: &types.PipelineSpec{}},
	}
	_, err := stack.Compile(context.Background(), env, m, stack.Options{})
	assert.ErrorIs(t, err, graph.ErrDanglingReference)
}

func TestNetworkOnly(t *testing.T) {
	m := &types.DeploymentManifest{Metadata: types.ObjectMeta{Name: "net"}}
	snap, err := stack.Compile(context.Background(), env, m, stack.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{stack.StepAccessGroups, stack.StepNetwork}, snap.Order)
	assert.Nil(t, snap.Service)
	assert.Equal(t, 17, snap.Graph.Len())

	arts, err := stack.Render(snap, stack.FormatYAML)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "template.yaml", arts[0].Name)
}

func TestSynthesize(t *testing.T) {
	snap := compileDemo(t)
	tpl := stack.Synthesize(snap)

	assert.Equal(t, "2010-09-09", tpl.AWSTemplateFormatVersion)
	assert.Len(t, tpl.Resources, snap.Graph.Len())
	for _, n := range snap.Graph.Nodes() {
		r, ok := tpl.Resources[n.Name]
		require.True(t, ok, n.Name)
		assert.Equal(t, string(n.Kind), r.Type)
	}
	assert.Equal(t, []string{"VPCGatewayAttachment"}, tpl.Resources["EIP"].DependsOn)

	var js bytes.Buffer
	require.NoError(t, stack.Encode(&js, tpl, stack.FormatJSON))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	res := decoded["Resources"].(map[string]any)
	sub := res["SubnetDEMOPUBLICSUBNETA"].(map[string]any)["Properties"].(map[string]any)
	assert.Equal(t, map[string]any{"Ref": "VPC"}, sub["VpcId"])
	nat := res["NatGateway"].(map[string]any)["Properties"].(map[string]any)
	assert.Equal(t, map[string]any{"Fn::GetAtt": []any{"EIP", "AllocationId"}}, nat["AllocationId"])

	var ys bytes.Buffer
	require.NoError(t, stack.Encode(&ys, tpl, stack.FormatYAML))
	var back map[string]any
	require.NoError(t, yaml.Unmarshal(ys.Bytes(), &back))
	assert.Len(t, back["Resources"], snap.Graph.Len())
	assert.NotContains(t, ys.String(), "ghp_")
	assert.Contains(t, ys.String(), "{{resolve:secretsmanager:demo/github-oauth-token}}")
}

func TestWriteArtifacts(t *testing.T) {
	snap := compileDemo(t)
	dir := filepath.Join(t.TempDir(), "out")

	paths, err := stack.WriteArtifacts(dir, snap, stack.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "template.json"),
		filepath.Join(dir, "appspec.yml"),
		filepath.Join(dir, "taskdef.json"),
	}, paths)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	info, err = os.Stat(paths[0])
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	def, err := os.ReadFile(filepath.Join(dir, "taskdef.json"))
	require.NoError(t, err)
	assert.Contains(t, string(def), `"name": "DEMO-CONTAINER"`)
	assert.Contains(t, string(def), `"family": "DEMO-TASK"`)

	spec, err := os.ReadFile(filepath.Join(dir, "appspec.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(spec), "ContainerPort: 8080")
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]stack.Format{"yaml": stack.FormatYAML, "yml": stack.FormatYAML, "json": stack.FormatJSON} {
		got, err := stack.ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := stack.ParseFormat("toml")
	assert.Error(t, err)
}
