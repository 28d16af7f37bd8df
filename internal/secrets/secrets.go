// Package secrets reads deployment secrets (admin password, GitHub token)
// from AWS SSM Parameter Store so they never sit in the unit file or env.
package secrets

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

// ParameterGetter is the one SSM call used; *ssm.Client satisfies it.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type ParameterStore struct {
	client ParameterGetter
}

func NewParameterStore(client ParameterGetter) *ParameterStore {
	return &ParameterStore{client: client}
}

// NewDefaultParameterStore uses the default AWS credential chain and region.
func NewDefaultParameterStore(ctx context.Context) (*ParameterStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}
	return NewParameterStore(ssm.NewFromConfig(awsCfg)), nil
}

// Get returns the decrypted, whitespace-trimmed value of a SecureString or
// String parameter. An empty value is an error.
func (p *ParameterStore) Get(ctx context.Context, name string) (string, error) {
	out, err := p.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return v, nil
}

// Ref binds a parameter name to the config field it fills.
type Ref struct {
	Param string
	Dest  *string
}

// Fill resolves every ref with a non-empty Param, overwriting Dest. Refs
// without a Param are left alone, so a store is only needed when one is set.
func Fill(ctx context.Context, store interface {
	Get(context.Context, string) (string, error)
}, refs ...Ref) error {
	for _, r := range refs {
		if r.Param == "" {
			continue
		}
		v, err := store.Get(ctx, r.Param)
		if err != nil {
			return err
		}
		*r.Dest = v
	}
	return nil
}

// Needed reports whether any ref names a parameter.
func Needed(refs ...Ref) bool {
	for _, r := range refs {
		if r.Param != "" {
			return true
		}
	}
	return false
}
