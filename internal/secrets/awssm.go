package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used
// here, narrowed so tests can stub it.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// fullSecretARN matches a complete secret ARN including the six
// random characters Secrets Manager appends to the name.
var fullSecretARN = regexp.MustCompile(`^arn:aws:secretsmanager:[^:]+:[^:]+:secret:.+-[A-Za-z0-9]{6}$`)

// AWSSecretsManagerProvider fetches values from AWS Secrets Manager.
// It accepts full or partial secret ARNs and the explicit "AWS_SM:"
// selector prefix.
type AWSSecretsManagerProvider struct {
	Client SecretsManagerAPI
}

func (AWSSecretsManagerProvider) Name() string { return "AWS_SM" }

func (AWSSecretsManagerProvider) Supports(value string) bool {
	return strings.HasPrefix(value, "AWS_SM:") ||
		strings.HasPrefix(value, "arn:aws:secretsmanager:")
}

// CacheKey normalizes a full ARN by trimming the random suffix, so a
// partial ARN and the full ARN it expands to share one cache entry.
func (p AWSSecretsManagerProvider) CacheKey(location string) string {
	key := stripProviderPrefix(location, p.Name())
	if fullSecretARN.MatchString(key) {
		if idx := strings.LastIndex(key, "-"); idx >= 0 {
			key = key[:idx]
		}
	}
	return p.Name() + ":" + key
}

func (p AWSSecretsManagerProvider) Fetch(ctx context.Context, location string) (Resolved, error) {
	if p.Client == nil {
		return Resolved{}, fmt.Errorf("secrets manager client not configured")
	}
	secretID := stripProviderPrefix(location, p.Name())

	out, err := p.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return Resolved{}, fmt.Errorf("secret %q: %w", secretID, ErrNotFound)
		}
		return Resolved{}, fmt.Errorf("fetching secret %q: %w", secretID, err)
	}

	var raw string
	if out.SecretString != nil {
		raw = *out.SecretString
	} else {
		raw = string(out.SecretBinary)
	}
	return Resolved{Raw: raw}, nil
}
