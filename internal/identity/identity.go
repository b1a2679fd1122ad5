// Package identity resolves the actor stamped on subscription changes.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

type Provider interface {
	Actor(ctx context.Context) (string, error)
}

// Static always reports the same actor.
type Static string

func (s Static) Actor(context.Context) (string, error) { return string(s), nil }

type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, opts ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// STS reports the caller ARN of the process credentials. The first
// successful lookup is cached.
type STS struct {
	api STSAPI

	mu  sync.Mutex
	arn string
}

func NewSTS(api STSAPI) *STS {
	return &STS{api: api}
}

func (s *STS) Actor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.arn != "" {
		return s.arn, nil
	}
	out, err := s.api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", err
	}
	arn := aws.ToString(out.Arn)
	if arn == "" {
		return "", errors.New("caller identity has no arn")
	}
	s.arn = arn
	return arn, nil
}

// Account returns the account id of the process credentials.
func (s *STS) Account(ctx context.Context) (string, error) {
	out, err := s.api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.Account), nil
}
