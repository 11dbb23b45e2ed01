// Package kms provides sources for the system passphrase that protects the private keys of the master, recovery and
// public share principals.
package kms

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/asherah/go/fileencryption"
	"github.com/godaddy/asherah/go/fileencryption/pkg/log"
)

var (
	// Verify StaticPassphrase implements the PassphraseSource interface.
	_ fileencryption.PassphraseSource = StaticPassphrase(nil)
	// Verify AWSPassphrase implements the PassphraseSource interface.
	_ fileencryption.PassphraseSource = (*AWSPassphrase)(nil)

	encryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.encrypt", fileencryption.MetricsPrefix), nil)
	decryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.decrypt", fileencryption.MetricsPrefix), nil)
)

// ErrNoEnvelope is returned by AWSPassphrase when no sealed passphrase was configured.
var ErrNoEnvelope = errors.New("no sealed passphrase configured")

// StaticPassphrase is a PassphraseSource holding the passphrase in memory.
//
// NOTE: It should not be used in production and is for testing only!
type StaticPassphrase []byte

// Passphrase returns a copy of the passphrase. Callers may wipe the returned slice.
func (p StaticPassphrase) Passphrase(context.Context) ([]byte, error) {
	if len(p) == 0 {
		return nil, errors.New("empty static passphrase")
	}

	return append([]byte(nil), p...), nil
}

// AWSClient is an interface that defines the set of Amazon KMS API operations required by this package.
type AWSClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSPassphrase implements the PassphraseSource interface on AWS KMS. The passphrase is kept as an envelope holding
// one ciphertext per region, so it can be recovered while a region is unavailable.
// Use the Builder to create a new AWSPassphrase.
//
//	source, err := kms.NewBuilder(arnMap).
//	    WithPreferredRegion("us-west-2").
//	    WithEnvelope(envelope).
//	    Build()
type AWSPassphrase struct {
	clients  []regionalClient
	envelope []byte
}

// envelope contains one encrypted copy of the passphrase per region.
type envelope struct {
	Ciphertexts []regionalCiphertext `json:"ciphertexts"`
}

type regionalCiphertext struct {
	Region     string `json:"region"`
	ARN        string `json:"arn"`
	Ciphertext []byte `json:"ciphertext"`
}

// PreferredRegion returns the region tried first.
func (a *AWSPassphrase) PreferredRegion() string {
	return a.clients[0].Region
}

// Seal encrypts passphrase in all configured regions and returns the envelope to be passed to
// Builder.WithEnvelope. Regions that fail are left out. An error is returned only if every region fails.
func (a *AWSPassphrase) Seal(ctx context.Context, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}

	ch := make(chan regionalCiphertext, len(a.clients))

	var wg sync.WaitGroup

	for _, c := range a.clients {
		wg.Add(1)

		go func(c regionalClient) {
			defer wg.Done()

			resp, err := c.Encrypt(ctx, passphrase)
			if err != nil {
				log.Debugf("error encrypting passphrase in region (%s): %s\n", c.Region, err)
				return
			}

			ch <- regionalCiphertext{
				Region:     c.Region,
				ARN:        c.MasterKeyARN,
				Ciphertext: resp.CiphertextBlob,
			}
		}(c)
	}

	wg.Wait()
	close(ch)

	var env envelope

	for rc := range ch {
		env.Ciphertexts = append(env.Ciphertexts, rc)
	}

	if len(env.Ciphertexts) == 0 {
		return nil, errors.New("all regions returned errors")
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling envelope")
	}

	return b, nil
}

// Passphrase decrypts the configured envelope. The preferred region is tried first, the remaining regions in order.
func (a *AWSPassphrase) Passphrase(ctx context.Context) ([]byte, error) {
	if len(a.envelope) == 0 {
		return nil, ErrNoEnvelope
	}

	var env envelope

	if err := json.Unmarshal(a.envelope, &env); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal envelope")
	}

	byRegion := make(map[string]regionalCiphertext, len(env.Ciphertexts))
	for _, rc := range env.Ciphertexts {
		byRegion[rc.Region] = rc
	}

	for _, c := range a.clients {
		rc, ok := byRegion[c.Region]
		if !ok {
			log.Debugf("no ciphertext found for region: %s\n", c.Region)
			continue
		}

		resp, err := c.Decrypt(ctx, rc.Ciphertext)
		if err != nil {
			log.Debugf("error kms decrypt in region (%s): %s\n", c.Region, err)
			continue
		}

		return resp.Plaintext, nil
	}

	return nil, errors.New("decrypt failed in all regions")
}

// regionalClient contains a KMS client and the key used in its region.
type regionalClient struct {
	Client       AWSClient
	Region       string
	MasterKeyARN string
}

func (r *regionalClient) Encrypt(ctx context.Context, plaintext []byte) (*kms.EncryptOutput, error) {
	defer encryptTimer.UpdateSince(time.Now())

	return r.Client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &r.MasterKeyARN,
		Plaintext: plaintext,
	})
}

func (r *regionalClient) Decrypt(ctx context.Context, ciphertext []byte) (*kms.DecryptOutput, error) {
	defer decryptTimer.UpdateSince(time.Now())

	return r.Client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &r.MasterKeyARN,
		CiphertextBlob: ciphertext,
	})
}
