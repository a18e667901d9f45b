// Package awsclient builds the AWS service clients used by the pipeline from
// one shared SDK configuration.
package awsclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/comprehendmedical"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/textract"
)

// Clients holds one client per AWS service the pipeline talks to.
// Constructing them performs no network calls.
type Clients struct {
	Config         aws.Config
	S3             *s3.Client
	SQS            *sqs.Client
	Textract       *textract.Client
	Comprehend     *comprehendmedical.Client
	DynamoDB       *dynamodb.Client
	SecretsManager *secretsmanager.Client
}

// Load resolves credentials and region from the default chain. A non-empty
// endpoint overrides every service endpoint, which is how LocalStack is
// targeted in development.
func Load(ctx context.Context, region, endpoint string) (*Clients, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(cfg, endpoint != ""), nil
}

// New builds the service clients from cfg. Path-style S3 addressing is used
// when a custom endpoint is configured.
func New(cfg aws.Config, pathStyle bool) *Clients {
	return &Clients{
		Config: cfg,
		S3: s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.UsePathStyle = pathStyle
		}),
		SQS:            sqs.NewFromConfig(cfg),
		Textract:       textract.NewFromConfig(cfg),
		Comprehend:     comprehendmedical.NewFromConfig(cfg),
		DynamoDB:       dynamodb.NewFromConfig(cfg),
		SecretsManager: secretsmanager.NewFromConfig(cfg),
	}
}
