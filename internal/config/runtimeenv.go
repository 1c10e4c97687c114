package config

import "os"

// Platform identifies the cloud runtime the wrapper is executing on.
type Platform string

const (
	PlatformUnknown   Platform = "unknown"
	PlatformECS       Platform = "aws_ecs"
	PlatformLambda    Platform = "aws_lambda"
	PlatformCodeBuild Platform = "aws_codebuild"
)

// IsFunction reports whether the platform invokes a handler instead of
// a command, which relaxes the command-required check.
func (p Platform) IsFunction() bool {
	return p == PlatformLambda
}

// DetectPlatform fingerprints the cloud runtime from well-known
// environment variables. The result is informational: it is reported
// in the execution create body and only affects defaulting.
func DetectPlatform() Platform {
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		return PlatformLambda
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI_V4") != "" ||
		os.Getenv("ECS_CONTAINER_METADATA_URI") != "" {
		return PlatformECS
	}
	if os.Getenv("CODEBUILD_BUILD_ID") != "" {
		return PlatformCodeBuild
	}
	return PlatformUnknown
}
