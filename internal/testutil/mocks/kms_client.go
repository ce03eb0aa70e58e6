// Package mocks holds in-memory fakes for the external dependencies of
// the audit and encryption services.
package mocks

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"

	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
)

var wrapPrefix = []byte("fake-wrapped:")

// FakeKMSClient implements the key-service client interface with a
// reversible local wrap: ciphertext is the plaintext behind a fixed
// prefix. Set Err to force every operation to fail with that API error
// code.
type FakeKMSClient struct {
	mu sync.Mutex

	// Err, when non-empty, is returned as a modeled API error code from
	// every call.
	Err string

	GenerateCalls int
	DecryptCalls  int
	RotationOn    bool
}

// NewFakeKMSClient creates a healthy fake.
func NewFakeKMSClient() *FakeKMSClient {
	return &FakeKMSClient{}
}

func (f *FakeKMSClient) apiError() error {
	return &smithy.GenericAPIError{Code: f.Err, Message: "injected failure"}
}

func (f *FakeKMSClient) GenerateDataKey(ctx context.Context, params *awskms.GenerateDataKeyInput, optFns ...func(*awskms.Options)) (*awskms.GenerateDataKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != "" {
		return nil, f.apiError()
	}
	f.GenerateCalls++

	plaintext := make([]byte, 32)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, err
	}
	return &awskms.GenerateDataKeyOutput{
		Plaintext:      plaintext,
		CiphertextBlob: append(append([]byte{}, wrapPrefix...), plaintext...),
		KeyId:          params.KeyId,
	}, nil
}

func (f *FakeKMSClient) Encrypt(ctx context.Context, params *awskms.EncryptInput, optFns ...func(*awskms.Options)) (*awskms.EncryptOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != "" {
		return nil, f.apiError()
	}
	return &awskms.EncryptOutput{
		CiphertextBlob: append(append([]byte{}, wrapPrefix...), params.Plaintext...),
		KeyId:          params.KeyId,
	}, nil
}

func (f *FakeKMSClient) Decrypt(ctx context.Context, params *awskms.DecryptInput, optFns ...func(*awskms.Options)) (*awskms.DecryptOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != "" {
		return nil, f.apiError()
	}
	f.DecryptCalls++

	if !bytes.HasPrefix(params.CiphertextBlob, wrapPrefix) {
		return nil, &smithy.GenericAPIError{Code: "InvalidCiphertextException", Message: "unrecognized ciphertext"}
	}
	plaintext := append([]byte{}, params.CiphertextBlob[len(wrapPrefix):]...)
	return &awskms.DecryptOutput{Plaintext: plaintext}, nil
}

func (f *FakeKMSClient) DescribeKey(ctx context.Context, params *awskms.DescribeKeyInput, optFns ...func(*awskms.Options)) (*awskms.DescribeKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != "" {
		return nil, f.apiError()
	}
	return &awskms.DescribeKeyOutput{
		KeyMetadata: &types.KeyMetadata{
			KeyId:    params.KeyId,
			Enabled:  true,
			KeyUsage: types.KeyUsageTypeEncryptDecrypt,
		},
	}, nil
}

func (f *FakeKMSClient) GetKeyRotationStatus(ctx context.Context, params *awskms.GetKeyRotationStatusInput, optFns ...func(*awskms.Options)) (*awskms.GetKeyRotationStatusOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != "" {
		return nil, f.apiError()
	}
	return &awskms.GetKeyRotationStatusOutput{KeyRotationEnabled: f.RotationOn}, nil
}

func (f *FakeKMSClient) EnableKeyRotation(ctx context.Context, params *awskms.EnableKeyRotationInput, optFns ...func(*awskms.Options)) (*awskms.EnableKeyRotationOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != "" {
		return nil, f.apiError()
	}
	f.RotationOn = true
	return &awskms.EnableKeyRotationOutput{}, nil
}
