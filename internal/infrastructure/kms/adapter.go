// Package kms wraps the external master-key service used for envelope
// encryption. The master key never leaves that service; this adapter
// only asks it to mint, wrap and unwrap data encryption keys.
package kms

import (
	"context"
	stderrors "errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

// Client is the subset of the key-service API this system consumes.
// An interface so tests inject a fake without network access.
type Client interface {
	GenerateDataKey(ctx context.Context, params *awskms.GenerateDataKeyInput, optFns ...func(*awskms.Options)) (*awskms.GenerateDataKeyOutput, error)
	Encrypt(ctx context.Context, params *awskms.EncryptInput, optFns ...func(*awskms.Options)) (*awskms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *awskms.DecryptInput, optFns ...func(*awskms.Options)) (*awskms.DecryptOutput, error)
	DescribeKey(ctx context.Context, params *awskms.DescribeKeyInput, optFns ...func(*awskms.Options)) (*awskms.DescribeKeyOutput, error)
	GetKeyRotationStatus(ctx context.Context, params *awskms.GetKeyRotationStatusInput, optFns ...func(*awskms.Options)) (*awskms.GetKeyRotationStatusOutput, error)
	EnableKeyRotation(ctx context.Context, params *awskms.EnableKeyRotationInput, optFns ...func(*awskms.Options)) (*awskms.EnableKeyRotationOutput, error)
}

// DataKey is a freshly minted DEK: the plaintext for immediate use and
// the wrapped form for persistence. The plaintext must never be stored.
type DataKey struct {
	Plaintext []byte
	Wrapped   []byte
}

// KeyInfo describes the master key's current state.
type KeyInfo struct {
	Enabled bool
	Usage   string
}

// Adapter talks to the master-key service for one configured key.
type Adapter struct {
	client      Client
	masterKeyID string
}

// New creates an adapter over an existing client.
func New(client Client, masterKeyID string) (*Adapter, error) {
	if client == nil {
		return nil, errors.NewValidationError("MISSING_KMS_CLIENT", "key service client is required")
	}
	if masterKeyID == "" {
		return nil, errors.NewValidationError("MISSING_MASTER_KEY", "master key ID is required")
	}
	return &Adapter{client: client, masterKeyID: masterKeyID}, nil
}

// NewFromConfig builds the real client from ambient AWS configuration.
func NewFromConfig(ctx context.Context, region, endpoint, masterKeyID string) (*Adapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.NewInternalError("failed to load AWS config").WithCause(err)
	}

	client := awskms.NewFromConfig(awsCfg, func(o *awskms.Options) {
		if endpoint != "" {
			// For testing with LocalStack.
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return New(client, masterKeyID)
}

// GenerateDataKey asks the service for a new 256-bit DEK, returned both
// in plaintext and wrapped under the master key.
func (a *Adapter) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	out, err := a.client.GenerateDataKey(ctx, &awskms.GenerateDataKeyInput{
		KeyId:   aws.String(a.masterKeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, a.mapError("GenerateDataKey", err)
	}
	return &DataKey{Plaintext: out.Plaintext, Wrapped: out.CiphertextBlob}, nil
}

// Wrap encrypts raw DEK material under the master key.
func (a *Adapter) Wrap(ctx context.Context, plaintextKey []byte) ([]byte, error) {
	if len(plaintextKey) == 0 {
		return nil, errors.NewValidationError("EMPTY_KEY", "key material is required")
	}
	out, err := a.client.Encrypt(ctx, &awskms.EncryptInput{
		KeyId:     aws.String(a.masterKeyID),
		Plaintext: plaintextKey,
	})
	if err != nil {
		return nil, a.mapError("Wrap", err)
	}
	return out.CiphertextBlob, nil
}

// Unwrap recovers DEK material from its wrapped form.
func (a *Adapter) Unwrap(ctx context.Context, wrappedKey []byte) ([]byte, error) {
	if len(wrappedKey) == 0 {
		return nil, errors.NewValidationError("EMPTY_KEY", "wrapped key material is required")
	}
	out, err := a.client.Decrypt(ctx, &awskms.DecryptInput{
		CiphertextBlob: wrappedKey,
	})
	if err != nil {
		return nil, a.mapError("Unwrap", err)
	}
	return out.Plaintext, nil
}

// DescribeKey reports the master key's enabled state and usage.
func (a *Adapter) DescribeKey(ctx context.Context) (*KeyInfo, error) {
	out, err := a.client.DescribeKey(ctx, &awskms.DescribeKeyInput{
		KeyId: aws.String(a.masterKeyID),
	})
	if err != nil {
		return nil, a.mapError("DescribeKey", err)
	}
	info := &KeyInfo{}
	if out.KeyMetadata != nil {
		info.Enabled = out.KeyMetadata.Enabled
		info.Usage = string(out.KeyMetadata.KeyUsage)
	}
	return info, nil
}

// RotationStatus reports whether automatic master-key rotation is on.
// This concerns master-key hygiene only; DEK rotation is managed by the
// key manager, not the external service.
func (a *Adapter) RotationStatus(ctx context.Context) (bool, error) {
	out, err := a.client.GetKeyRotationStatus(ctx, &awskms.GetKeyRotationStatusInput{
		KeyId: aws.String(a.masterKeyID),
	})
	if err != nil {
		return false, a.mapError("RotationStatus", err)
	}
	return out.KeyRotationEnabled, nil
}

// EnableRotation turns on automatic master-key rotation.
func (a *Adapter) EnableRotation(ctx context.Context) error {
	_, err := a.client.EnableKeyRotation(ctx, &awskms.EnableKeyRotationInput{
		KeyId: aws.String(a.masterKeyID),
	})
	if err != nil {
		return a.mapError("EnableRotation", err)
	}
	return nil
}

// HealthCheck performs a round-trip wrap/unwrap of a probe value plus a
// rotation-status query.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	probe := []byte("casefolio-kms-health-probe")

	wrapped, err := a.Wrap(ctx, probe)
	if err != nil {
		return err
	}
	unwrapped, err := a.Unwrap(ctx, wrapped)
	if err != nil {
		return err
	}
	if string(unwrapped) != string(probe) {
		return errors.NewInternalError("key service round-trip returned different plaintext")
	}

	_, err = a.RotationStatus(ctx)
	return err
}

// mapError separates retryable service outages from data errors.
// Anything that looks like the service being down or throttled maps to
// the unavailable type; invalid ciphertext is a crypto error.
func (a *Adapter) mapError(op string, err error) error {
	var apiErr smithy.APIError
	if !stderrors.As(err, &apiErr) {
		// Transport-level failure: network, DNS, timeout.
		return errors.NewUnavailableError("key service", op+" transport failure").WithCause(err)
	}

	switch apiErr.ErrorCode() {
	case "KMSInternalException", "KeyUnavailableException", "DependencyTimeoutException", "ThrottlingException":
		return errors.NewUnavailableError("key service", op+" failed").WithCause(err)
	case "InvalidCiphertextException", "IncorrectKeyException":
		return errors.NewCryptoError("UNWRAP_FAILED", "wrapped key did not verify").WithCause(err)
	case "DisabledException", "KMSInvalidStateException":
		return errors.NewComplianceError("MASTER_KEY_DISABLED", "master key is not usable").WithCause(err)
	default:
		return errors.NewExternalError("key service", op+" failed").WithCause(err)
	}
}
