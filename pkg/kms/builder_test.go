package kms_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/godaddy/asherah/go/fileencryption/pkg/kms"
)

type MockClient struct {
	mock.Mock
}

func (c *MockClient) Encrypt(ctx context.Context, params *awskms.EncryptInput, optFns ...func(*awskms.Options)) (*awskms.EncryptOutput, error) {
	args := c.Called(ctx, params, optFns)

	if out := args.Get(0); out != nil {
		return out.(*awskms.EncryptOutput), args.Error(1)
	}

	return nil, args.Error(1)
}

func (c *MockClient) Decrypt(ctx context.Context, params *awskms.DecryptInput, optFns ...func(*awskms.Options)) (*awskms.DecryptOutput, error) {
	args := c.Called(ctx, params, optFns)

	if out := args.Get(0); out != nil {
		return out.(*awskms.DecryptOutput), args.Error(1)
	}

	return nil, args.Error(1)
}

var _ kms.AWSClient = (*MockClient)(nil)

func TestBuilder(t *testing.T) {
	region := "us-west-2"
	regionArnMap := map[string]string{
		region: "arn:aws:kms:us-west-2:123456789012:key/12345678-1234-1234-1234-123456789012",
	}

	customCfg := aws.Config{
		Region: "us-west-2",
	}

	client := &MockClient{}

	builder := kms.NewBuilder(regionArnMap)
	builder.WithAWSConfig(customCfg)
	builder.WithKMSFactory(func(cfg aws.Config, optFns ...func(*awskms.Options)) kms.AWSClient {
		assert.Equal(t, region, cfg.Region)

		return client
	})

	source, err := builder.Build()
	require.NoError(t, err)
	assert.Equal(t, region, source.PreferredRegion())
}

func TestBuilder_MultiRegion(t *testing.T) {
	source, err := kms.NewBuilder(regionArnMap).
		WithPreferredRegion(secondary).
		WithAWSConfig(aws.Config{}).
		WithKMSFactory(func(aws.Config, ...func(*awskms.Options)) kms.AWSClient { return &MockClient{} }).
		Build()

	require.NoError(t, err)
	assert.Equal(t, secondary, source.PreferredRegion())
}

func TestBuilder_MultiRegion_MissingPreferredRegion(t *testing.T) {
	_, err := kms.NewBuilder(regionArnMap).
		WithAWSConfig(aws.Config{}).
		Build()

	assert.ErrorContains(t, err, "preferred region must be set when using multiple regions")
}

func TestBuilder_UnknownPreferredRegion(t *testing.T) {
	_, err := kms.NewBuilder(regionArnMap).
		WithPreferredRegion("eu-west-1").
		WithAWSConfig(aws.Config{}).
		Build()

	assert.ErrorContains(t, err, "no key ARN for preferred region eu-west-1")
}

func TestNewBuilder_EmptyMapPanics(t *testing.T) {
	assert.Panics(t, func() {
		kms.NewBuilder(nil)
	})
}
