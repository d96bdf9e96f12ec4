package pipeline

import (
	"fmt"
	"io"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/aws/aws-sdk-go-v2/aws/arn"

	"github.com/h3ow3d/infragraph/internal/config"
	"github.com/h3ow3d/infragraph/internal/service"
)

// RenderData is what the deploy templates are rendered from.
type RenderData struct {
	Region           string
	Family           string
	ExecutionRoleARN string
	CPU              string
	Memory           string
	Container        string
	ContainerPort    uint16
	ImagePlaceholder string
	LogGroup         string
}

// NewRenderData collects the template inputs from the environment, the
// service topology and the pipeline settings.
func NewRenderData(env config.Config, top *service.Topology, cfg Config) RenderData {
	return RenderData{
		Region: env.Region,
		Family: top.Family,
		ExecutionRoleARN: arn.ARN{
			Partition: "aws",
			Service:   "iam",
			AccountID: env.AccountID,
			Resource:  "role/" + top.ExecutionRoleName,
		}.String(),
		CPU:              top.CPU,
		Memory:           top.Memory,
		Container:        top.Container,
		ContainerPort:    top.ContainerPort,
		ImagePlaceholder: cfg.ImagePlaceholder,
		LogGroup:         "/ecs/" + top.Family,
	}
}

const appSpecTemplate = `version: 0.0
Resources:
  - TargetService:
      Type: AWS::ECS::Service
      Properties:
        TaskDefinition: <TASK_DEFINITION>
        LoadBalancerInfo:
          ContainerName: {{ .Container | quote }}
          ContainerPort: {{ .ContainerPort }}
`

const taskDefTemplate = `{
  "family": {{ .Family | toJson }},
  "executionRoleArn": {{ .ExecutionRoleARN | toJson }},
  "taskRoleArn": {{ .ExecutionRoleARN | toJson }},
  "networkMode": "awsvpc",
  "requiresCompatibilities": ["FARGATE"],
  "cpu": {{ .CPU | toJson }},
  "memory": {{ .Memory | toJson }},
  "containerDefinitions": [
    {
      "name": {{ .Container | toJson }},
      "image": "<{{ .ImagePlaceholder | default "IMAGE_NAME" }}>",
      "essential": true,
      "portMappings": [
        {"containerPort": {{ .ContainerPort }}, "protocol": "tcp"}
      ],
      "logConfiguration": {
        "logDriver": "awslogs",
        "options": {
          "awslogs-group": {{ .LogGroup | toJson }},
          "awslogs-region": {{ .Region | toJson }},
          "awslogs-stream-prefix": "ecs"
        }
      }
    }
  ]
}
`

var (
	appSpec = template.Must(template.New("appspec.yml").Funcs(sprig.TxtFuncMap()).Parse(appSpecTemplate))
	taskDef = template.Must(template.New("taskdef.json").Funcs(sprig.TxtFuncMap()).Parse(taskDefTemplate))
)

// RenderAppSpec writes the CodeDeploy appspec for the service.
func RenderAppSpec(w io.Writer, data RenderData) error {
	if err := appSpec.Execute(w, data); err != nil {
		return fmt.Errorf("render appspec: %w", err)
	}
	return nil
}

// RenderTaskDefinition writes the task definition template the deploy
// action registers. The image is left as a placeholder for the build
// artifact to fill in.
func RenderTaskDefinition(w io.Writer, data RenderData) error {
	if err := taskDef.Execute(w, data); err != nil {
		return fmt.Errorf("render task definition: %w", err)
	}
	return nil
}
