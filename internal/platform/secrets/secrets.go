// Package secrets resolves the relational store password from AWS Secrets
// Manager, falling back to the environment.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var ErrNoPassword = errors.New("secret has no password field")

// SecretsManagerAPI is the subset of the Secrets Manager client in use.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// PasswordResolver returns the database password. When a secret name is set
// the secret's JSON "password" field is used, otherwise the DB_PASSWORD
// environment variable.
type PasswordResolver struct {
	api        SecretsManagerAPI
	secretName string
	getenv     func(string) string
}

func NewPasswordResolver(api SecretsManagerAPI, secretName string) *PasswordResolver {
	return &PasswordResolver{api: api, secretName: secretName, getenv: os.Getenv}
}

// Resolve fetches the password. Nothing is cached, so a rotated secret is
// picked up by the next call.
func (r *PasswordResolver) Resolve(ctx context.Context) (string, error) {
	if r.secretName == "" || r.api == nil {
		return r.getenv("DB_PASSWORD"), nil
	}

	out, err := r.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(r.secretName),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", r.secretName, err)
	}

	var body struct {
		Password *string `json:"password"`
	}
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &body); err != nil {
		return "", fmt.Errorf("decode secret %s: %w", r.secretName, err)
	}
	if body.Password == nil {
		return "", fmt.Errorf("secret %s: %w", r.secretName, ErrNoPassword)
	}
	return *body.Password, nil
}
