package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
	"github.com/h3ow3d/infragraph/internal/graph"
	"github.com/h3ow3d/infragraph/internal/network"
	"github.com/h3ow3d/infragraph/internal/rules"
	"github.com/h3ow3d/infragraph/internal/service"
)

func fixture(t *testing.T) (*graph.Graph, *network.Network, []*rules.AccessGroup) {
	t.Helper()
	g := graph.New()
	nw, err := network.Build(context.Background(), g, network.DefaultConfig("eu-west-1"))
	require.NoError(t, err)

	alb := rules.NewAccessGroup("DEMO-ALB-SG", "")
	require.NoError(t, alb.Add(rules.IngressRule{Peer: rules.AnyIPv4, Port: 80, Description: "allow http"}))
	require.NoError(t, alb.Add(rules.IngressRule{Peer: rules.Peer{Strategy: rules.StrategyPrefixList, Value: "pl-123"}, Port: 443}))
	alb.Freeze()
	svc := rules.NewAccessGroup("DEMO-SERVICE-SG", "tasks")
	require.NoError(t, svc.Add(rules.IngressRule{Peer: rules.Peer{Strategy: rules.StrategyCIDR, Value: "10.5.5.0/24"}, Port: 8080}))
	svc.Freeze()
	return g, nw, []*rules.AccessGroup{alb, svc}
}

func blueGreen(region string) service.Config {
	cfg := service.DefaultConfig(region)
	cfg.TargetGroups = []service.TargetGroupSpec{
		{Name: "blue", HealthCheckPath: "/login", Stickiness: 30 * time.Minute},
		{Name: "green", HealthCheckPath: "/health", Stickiness: time.Hour},
	}
	cfg.Listeners = []service.ListenerSpec{
		{Port: 80, TargetGroup: "blue"},
		{Port: 8080, TargetGroup: "green"},
	}
	return cfg
}

func TestBlueGreenBinding(t *testing.T) {
	g, nw, groups := fixture(t)
	top, err := service.Build(context.Background(), g, nw, groups, blueGreen("eu-west-1"))
	require.NoError(t, err)

	tg, ok := top.Binding(80)
	require.True(t, ok)
	assert.Equal(t, "blue", tg)
	tg, ok = top.Binding(8080)
	require.True(t, ok)
	assert.Equal(t, "green", tg)
	_, ok = top.Binding(443)
	assert.False(t, ok)

	l80, _ := g.Node("Listener80")
	actions := l80.Properties["DefaultActions"].([]any)
	require.Len(t, actions, 1)
	assert.Equal(t, graph.Ref{Name: "TargetGroupblue"}, actions[0].(map[string]any)["TargetGroupArn"])

	l8080, _ := g.Node("Listener8080")
	actions = l8080.Properties["DefaultActions"].([]any)
	assert.Equal(t, graph.Ref{Name: "TargetGroupgreen"}, actions[0].(map[string]any)["TargetGroupArn"])

	require.NoError(t, g.Validate())
}

func TestUnknownTargetGroup(t *testing.T) {
	g, nw, groups := fixture(t)
	cfg := blueGreen("eu-west-1")
	cfg.Listeners[1].TargetGroup = "purple"

	_, err := service.Build(context.Background(), g, nw, groups, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrUnknownTargetGroup)
	assert.ErrorIs(t, err, cfgerr.ErrConfiguration)
	assert.Contains(t, err.Error(), "purple")
}

func TestDuplicateListenerPort(t *testing.T) {
	g, nw, groups := fixture(t)
	cfg := blueGreen("eu-west-1")
	cfg.Listeners[1].Port = 80

	_, err := service.Build(context.Background(), g, nw, groups, cfg)
	assert.ErrorIs(t, err, service.ErrDuplicateListenerPort)
}

func TestUnknownAccessGroup(t *testing.T) {
	g, nw, groups := fixture(t)
	cfg := service.DefaultConfig("eu-west-1")
	cfg.ServiceGroups = []string{"DEMO-DB-SG"}

	_, err := service.Build(context.Background(), g, nw, groups, cfg)
	assert.ErrorIs(t, err, service.ErrUnknownAccessGroup)
	assert.Contains(t, err.Error(), "DEMO-DB-SG")
}

func TestInvalidConfig(t *testing.T) {
	g, nw, groups := fixture(t)
	cfg := service.DefaultConfig("eu-west-1")
	cfg.CPU = "lots"
	cfg.Family = ""
	cfg.TargetGroups[0].Stickiness = 0

	_, err := service.Build(context.Background(), g, nw, groups, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrInvalidService)
	for _, want := range []string{`cpu "lots"`, "family is required", "stickiness"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSecurityGroupsAndTask(t *testing.T) {
	g, nw, groups := fixture(t)
	top, err := service.Build(context.Background(), g, nw, groups, service.DefaultConfig("eu-west-1"))
	require.NoError(t, err)

	sg, ok := g.Node(top.SecurityGroups["DEMO-ALB-SG"].Name)
	require.True(t, ok)
	assert.Equal(t, graph.KindSecurityGroup, sg.Kind)
	assert.Equal(t, "DEMO-ALB-SG", sg.Properties["GroupDescription"])
	assert.Equal(t, []any{
		map[string]any{"IpProtocol": "tcp", "FromPort": 80, "ToPort": 80, "CidrIp": "0.0.0.0/0", "Description": "allow http"},
		map[string]any{"IpProtocol": "tcp", "FromPort": 443, "ToPort": 443, "SourcePrefixListId": "pl-123"},
	}, sg.Properties["SecurityGroupIngress"])

	role, _ := g.Node("ExecutionRole")
	assert.Equal(t, []any{"arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"}, role.Properties["ManagedPolicyArns"])

	logs, _ := g.Node("LogGroup")
	assert.Equal(t, "/ecs/DEMO-TASK", logs.Properties["LogGroupName"])
	assert.NotContains(t, logs.Properties, "RetentionInDays")

	task, _ := g.Node("TaskDefinition")
	assert.Equal(t, "awsvpc", task.Properties["NetworkMode"])
	assert.Equal(t, "2048", task.Properties["Cpu"])
	assert.Equal(t, "8192", task.Properties["Memory"])
	containers := task.Properties["ContainerDefinitions"].([]any)
	require.Len(t, containers, 1)
	assert.Equal(t, "DEMO-CONTAINER", containers[0].(map[string]any)["Name"])
	assert.Contains(t, task.Dependencies(), "Repository")
	assert.Contains(t, task.Dependencies(), "LogGroup")

	tg, _ := g.Node("TargetGroupDEMOBLUETG")
	assert.Contains(t, tg.Properties["TargetGroupAttributes"], map[string]any{"Key": "stickiness.lb_cookie.duration_seconds", "Value": "1800"})

	lb, _ := g.Node("LoadBalancer")
	assert.Equal(t, "internet-facing", lb.Properties["Scheme"])
	assert.Equal(t, []any{nw.SubnetRefs(network.TierPublic)[0], nw.SubnetRefs(network.TierPublic)[1]}, lb.Properties["Subnets"])

	assert.Equal(t, graph.Ref{}, top.Service)
	_, ok = g.Node("Service")
	assert.False(t, ok)
}

func TestOptionalService(t *testing.T) {
	g, nw, groups := fixture(t)
	cfg := service.DefaultConfig("eu-west-1")
	cfg.ServiceName = "DEMO-SERVICE"
	cfg.DesiredCount = 2

	top, err := service.Build(context.Background(), g, nw, groups, cfg)
	require.NoError(t, err)
	assert.Equal(t, "Service", top.Service.Name)

	svc, _ := g.Node("Service")
	assert.Equal(t, map[string]any{"Type": "CODE_DEPLOY"}, svc.Properties["DeploymentController"])
	assert.Equal(t, []string{"Listener80"}, svc.DependsOn)
	lbs := svc.Properties["LoadBalancers"].([]any)
	assert.Equal(t, graph.Ref{Name: "TargetGroupDEMOBLUETG"}, lbs[0].(map[string]any)["TargetGroupArn"])
}

func TestManagedPolicyARN(t *testing.T) {
	assert.Equal(t, "arn:aws:iam::aws:policy/AmazonS3FullAccess", service.ManagedPolicyARN("AmazonS3FullAccess"))
}
