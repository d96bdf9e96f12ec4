package service

import (
	"github.com/aws/aws-sdk-go-v2/aws/arn"
)

// ManagedPolicyARN returns the ARN of an AWS managed IAM policy, for
// example "service-role/AmazonECSTaskExecutionRolePolicy".
func ManagedPolicyARN(name string) string {
	return arn.ARN{
		Partition: "aws",
		Service:   "iam",
		AccountID: "aws",
		Resource:  "policy/" + name,
	}.String()
}

// AssumeRolePolicy returns a trust policy letting principal assume a role.
func AssumeRolePolicy(principal string) map[string]any {
	return map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{
			map[string]any{
				"Effect":    "Allow",
				"Principal": map[string]any{"Service": principal},
				"Action":    "sts:AssumeRole",
			},
		},
	}
}
