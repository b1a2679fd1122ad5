// Package shares manages cross-account resource shares that carry granted
// catalog objects.
package shares

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ram"
	"github.com/aws/aws-sdk-go-v2/service/ram/types"
	"go.uber.org/zap"
)

type Client interface {
	// Detach removes principal from a resource share. Unknown shares are
	// treated as already detached.
	Detach(ctx context.Context, shareARN, principal string) error
	// AcceptInvitations accepts pending Lake Formation share invitations
	// sent by sender and returns how many were accepted.
	AcceptInvitations(ctx context.Context, sender string) (int, error)
}

type RAMAPI interface {
	DisassociateResourceShare(ctx context.Context, in *ram.DisassociateResourceShareInput, opts ...func(*ram.Options)) (*ram.DisassociateResourceShareOutput, error)
	GetResourceShareInvitations(ctx context.Context, in *ram.GetResourceShareInvitationsInput, opts ...func(*ram.Options)) (*ram.GetResourceShareInvitationsOutput, error)
	AcceptResourceShareInvitation(ctx context.Context, in *ram.AcceptResourceShareInvitationInput, opts ...func(*ram.Options)) (*ram.AcceptResourceShareInvitationOutput, error)
}

type RAM struct {
	api    RAMAPI
	logger *zap.Logger
}

func NewRAM(api RAMAPI, logger *zap.Logger) *RAM {
	return &RAM{api: api, logger: logger.Named("ram")}
}

func (c *RAM) Detach(ctx context.Context, shareARN, principal string) error {
	_, err := c.api.DisassociateResourceShare(ctx, &ram.DisassociateResourceShareInput{
		ResourceShareArn: aws.String(shareARN),
		Principals:       []string{principal},
	})
	var unknown *types.UnknownResourceException
	if errors.As(err, &unknown) {
		c.logger.Info("share already gone", zap.String("share", shareARN))
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Info("detached principal from share", zap.String("share", shareARN), zap.String("principal", principal))
	return nil
}

func (c *RAM) AcceptInvitations(ctx context.Context, sender string) (int, error) {
	accepted := 0
	p := ram.NewGetResourceShareInvitationsPaginator(c.api, &ram.GetResourceShareInvitationsInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return accepted, err
		}
		for _, inv := range page.ResourceShareInvitations {
			if aws.ToString(inv.SenderAccountId) != sender ||
				inv.Status != types.ResourceShareInvitationStatusPending ||
				!strings.Contains(aws.ToString(inv.ResourceShareName), "LakeFormation") {
				continue
			}
			if _, err := c.api.AcceptResourceShareInvitation(ctx, &ram.AcceptResourceShareInvitationInput{
				ResourceShareInvitationArn: inv.ResourceShareInvitationArn,
			}); err != nil {
				return accepted, err
			}
			accepted++
			c.logger.Info("accepted share invitation", zap.String("invitation", aws.ToString(inv.ResourceShareInvitationArn)))
		}
	}
	return accepted, nil
}
