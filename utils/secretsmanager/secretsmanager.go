/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package secretsmanager fetches database credentials stored as
// `username:password` in a cloud secret store.
package secretsmanager

import (
	"context"
	"fmt"
	"strings"

	gcpsecretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type Credentials struct {
	Username string
	Password string
}

func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// Source names one secret.  Exactly one of the provider specific locations
// is expected to be set.
type Source struct {
	SecretID string

	AWSRegion     string
	AzureKeyVault string
	GCPProjectID  string
}

func (s Source) IsZero() bool {
	return s.SecretID == ""
}

// Fetch reads the secret from whichever provider the source points at.
func Fetch(ctx context.Context, src Source) (Credentials, error) {
	switch {
	case src.SecretID == "":
		return Credentials{}, fmt.Errorf("no secret id specified")
	case src.AWSRegion != "":
		return FetchAWSSecret(ctx, src.SecretID, src.AWSRegion)
	case src.AzureKeyVault != "":
		return FetchAzureSecret(ctx, src.SecretID, src.AzureKeyVault)
	case src.GCPProjectID != "":
		return FetchGcpSecret(ctx, src.SecretID, src.GCPProjectID)
	}

	return Credentials{}, fmt.Errorf("secret %s has no aws region, azure key vault or gcp project", src.SecretID)
}

func FetchAWSSecret(ctx context.Context, secretId string, region string) (Credentials, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to load default aws config: %w", err)
	}

	secrets := secretsmanager.NewFromConfig(cfg)
	res, err := secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretId})
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to get aws secret: %w", err)
	}
	if res.SecretString == nil {
		return Credentials{}, fmt.Errorf("aws secret %s not a string", secretId)
	}

	return credsFromSecret(*res.SecretString)
}

func FetchAzureSecret(ctx context.Context, secretId string, keyVaultName string) (Credentials, error) {
	vaultURI := fmt.Sprintf("https://%s.vault.azure.net/", keyVaultName)

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to obtain azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURI, cred, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to create azure client: %w", err)
	}

	// empty version is the latest
	resp, err := client.GetSecret(ctx, secretId, "", nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to get azure secret: %w", err)
	}
	if resp.Value == nil {
		return Credentials{}, fmt.Errorf("azure secret %s has no value", secretId)
	}

	return credsFromSecret(*resp.Value)
}

func FetchGcpSecret(ctx context.Context, secretId string, projectId string) (Credentials, error) {
	client, err := gcpsecretmanager.NewClient(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to create gcp secretmanager client: %w", err)
	}
	defer client.Close()

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectId, secretId),
	}

	result, err := client.AccessSecretVersion(ctx, req)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to get gcp secret: %w", err)
	}

	return credsFromSecret(string(result.Payload.Data))
}

// The password may itself contain ':', only the first one separates.
func credsFromSecret(secret string) (Credentials, error) {
	username, password, ok := strings.Cut(strings.TrimSpace(secret), ":")
	if !ok || username == "" {
		return Credentials{}, fmt.Errorf("database credentials secret must be formatted `username:password`")
	}

	return Credentials{
		Username: username,
		Password: password,
	}, nil
}
