package config

import "testing"

func TestDetectPlatform(t *testing.T) {
	// Clear every fingerprint first so the host environment cannot leak in.
	for _, v := range []string{
		"AWS_LAMBDA_FUNCTION_NAME",
		"ECS_CONTAINER_METADATA_URI_V4",
		"ECS_CONTAINER_METADATA_URI",
		"CODEBUILD_BUILD_ID",
	} {
		t.Setenv(v, "")
	}

	if got := DetectPlatform(); got != PlatformUnknown {
		t.Errorf("DetectPlatform() = %s, want unknown", got)
	}

	t.Setenv("CODEBUILD_BUILD_ID", "build:1234")
	if got := DetectPlatform(); got != PlatformCodeBuild {
		t.Errorf("DetectPlatform() = %s, want codebuild", got)
	}

	t.Setenv("ECS_CONTAINER_METADATA_URI_V4", "http://169.254.170.2/v4")
	if got := DetectPlatform(); got != PlatformECS {
		t.Errorf("DetectPlatform() = %s, want ecs", got)
	}

	// Lambda wins over everything else.
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "handler")
	if got := DetectPlatform(); got != PlatformLambda {
		t.Errorf("DetectPlatform() = %s, want lambda", got)
	}
}

func TestIsFunction(t *testing.T) {
	if !PlatformLambda.IsFunction() {
		t.Error("lambda is a function platform")
	}
	if PlatformECS.IsFunction() || PlatformUnknown.IsFunction() {
		t.Error("container platforms are not function platforms")
	}
}
