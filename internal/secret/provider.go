// Package secret resolves the server-wide HMAC secret. The default
// source is the environment; deployments that refuse plaintext secrets
// in env can store a KMS ciphertext instead and have it decrypted at
// startup.
package secret

import (
	"context"
	"encoding/base64"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/MetaDevZone/secure-2fa/internal/config"
	"github.com/MetaDevZone/secure-2fa/internal/util"
)

// Provider yields the server secret exactly once at startup.
type Provider interface {
	ServerSecret(ctx context.Context) (string, error)
}

// EnvProvider returns the secret configured in the environment.
type EnvProvider struct {
	secret string
}

func NewEnvProvider(secret string) *EnvProvider {
	return &EnvProvider{secret: secret}
}

func (p *EnvProvider) ServerSecret(_ context.Context) (string, error) {
	return p.secret, nil
}

// KMSProvider decrypts a base64 KMS ciphertext into the server secret.
type KMSProvider struct {
	client     *kms.Client
	ciphertext string
}

func NewKMSProvider(ctx context.Context, cfg config.KMSConfig) (*KMSProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	util.Info("KMS secret provider initialized", util.String("region", cfg.Region))

	return &KMSProvider{
		client:     kms.NewFromConfig(awsCfg),
		ciphertext: cfg.SecretCiphertext,
	}, nil
}

func (p *KMSProvider) ServerSecret(ctx context.Context) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(p.ciphertext)
	if err != nil {
		return "", fmt.Errorf("invalid secret ciphertext encoding: %w", err)
	}

	out, err := p.client.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", fmt.Errorf("failed to decrypt server secret: %w", err)
	}
	return string(out.Plaintext), nil
}
