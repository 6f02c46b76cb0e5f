package aws

import (
	"context"
	"fmt"
	"os"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

const defaultRegion = "us-east-1"

// Options controls how the shared AWS config is resolved. Empty fields fall
// back to AWS_REGION / AWS_ENDPOINT_OVERRIDE and then to the SDK defaults.
type Options struct {
	Region   string
	Endpoint string
}

func (o Options) resolve() Options {
	if o.Region == "" {
		o.Region = os.Getenv("AWS_REGION")
	}
	if o.Region == "" {
		o.Region = defaultRegion
	}
	if o.Endpoint == "" {
		o.Endpoint = os.Getenv("AWS_ENDPOINT_OVERRIDE")
	}
	return o
}

// LoadAWSConfig loads the SDK config. A non-empty endpoint (e.g. LocalStack
// or dynamodb-local) is applied to every service client built from it.
func LoadAWSConfig(ctx context.Context, opts Options) (sdkaws.Config, error) {
	opts = opts.resolve()

	loaders := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		loaders = append(loaders, config.WithBaseEndpoint(opts.Endpoint))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return cfg, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return cfg, nil
}
