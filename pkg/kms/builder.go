package kms

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/pkg/errors"
)

// KMSFactory is a function that creates a new AWS KMS client.
type KMSFactory func(cfg aws.Config, optFns ...func(*kms.Options)) AWSClient

// DefaultKMSFactory wraps kms.NewFromConfig.
func DefaultKMSFactory(cfg aws.Config, optFns ...func(*kms.Options)) AWSClient {
	return kms.NewFromConfig(cfg, optFns...)
}

// Builder is used to build a new AWSPassphrase.
type Builder struct {
	arnMap map[string]string

	preferredRegion string
	envelope        []byte

	factory KMSFactory

	cfg            aws.Config
	usingCustomCfg bool
}

// NewBuilder creates a new Builder for the regions and key ARNs in arnMap.
func NewBuilder(arnMap map[string]string) *Builder {
	if len(arnMap) == 0 {
		panic("arnMap must contain at least one entry")
	}

	return &Builder{
		arnMap: arnMap,
	}
}

// WithPreferredRegion sets the region tried first. Required when using multiple regions.
func (b *Builder) WithPreferredRegion(region string) *Builder {
	b.preferredRegion = region
	return b
}

// WithEnvelope sets the sealed passphrase, as returned by AWSPassphrase.Seal.
func (b *Builder) WithEnvelope(envelope []byte) *Builder {
	b.envelope = envelope
	return b
}

// WithKMSFactory sets the factory used to create the regional clients. Default is kms.NewFromConfig.
func (b *Builder) WithKMSFactory(factory KMSFactory) *Builder {
	b.factory = factory
	return b
}

// WithAWSConfig sets the AWS configuration used when creating the clients.
// Default is to use the default AWS SDK configuration.
func (b *Builder) WithAWSConfig(cfg aws.Config) *Builder {
	b.cfg = cfg
	b.usingCustomCfg = true

	return b
}

// Build creates a new AWSPassphrase using the Builder configuration.
func (b *Builder) Build() (*AWSPassphrase, error) {
	if b.factory == nil {
		b.factory = DefaultKMSFactory
	}

	if !b.usingCustomCfg {
		cfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, errors.Wrap(err, "unable to load default AWS config")
		}

		b.cfg = cfg
	}

	if b.preferredRegion == "" && len(b.arnMap) > 1 {
		return nil, errors.New("preferred region must be set when using multiple regions")
	}

	if _, ok := b.arnMap[b.preferredRegion]; b.preferredRegion != "" && !ok {
		return nil, errors.Errorf("no key ARN for preferred region %s", b.preferredRegion)
	}

	regions := make([]string, 0, len(b.arnMap))
	for region := range b.arnMap {
		regions = append(regions, region)
	}

	sort.Strings(regions)

	var clients []regionalClient

	for _, region := range regions {
		cfg := b.cfg.Copy()
		cfg.Region = region

		client := regionalClient{
			Client:       b.factory(cfg),
			Region:       region,
			MasterKeyARN: b.arnMap[region],
		}

		// place the preferred region first in the list
		if region == b.preferredRegion {
			clients = append([]regionalClient{client}, clients...)
		} else {
			clients = append(clients, client)
		}
	}

	return &AWSPassphrase{
		clients:  clients,
		envelope: b.envelope,
	}, nil
}
