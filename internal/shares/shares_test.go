package shares

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ram"
	"github.com/aws/aws-sdk-go-v2/service/ram/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRAM struct {
	RAMAPI

	detachErr   error
	invitations []types.ResourceShareInvitation
	accepted    []string
}

func (f *fakeRAM) DisassociateResourceShare(context.Context, *ram.DisassociateResourceShareInput, ...func(*ram.Options)) (*ram.DisassociateResourceShareOutput, error) {
	return &ram.DisassociateResourceShareOutput{}, f.detachErr
}

func (f *fakeRAM) GetResourceShareInvitations(context.Context, *ram.GetResourceShareInvitationsInput, ...func(*ram.Options)) (*ram.GetResourceShareInvitationsOutput, error) {
	return &ram.GetResourceShareInvitationsOutput{ResourceShareInvitations: f.invitations}, nil
}

func (f *fakeRAM) AcceptResourceShareInvitation(_ context.Context, in *ram.AcceptResourceShareInvitationInput, _ ...func(*ram.Options)) (*ram.AcceptResourceShareInvitationOutput, error) {
	f.accepted = append(f.accepted, aws.ToString(in.ResourceShareInvitationArn))
	return &ram.AcceptResourceShareInvitationOutput{}, nil
}

func TestDetachIgnoresUnknownShare(t *testing.T) {
	c := NewRAM(&fakeRAM{detachErr: &types.UnknownResourceException{}}, zap.NewNop())
	assert.NoError(t, c.Detach(context.Background(), "arn:aws:ram:eu-west-1:1:resource-share/x", "2"))

	c = NewRAM(&fakeRAM{detachErr: &types.OperationNotPermittedException{}}, zap.NewNop())
	assert.Error(t, c.Detach(context.Background(), "arn:aws:ram:eu-west-1:1:resource-share/x", "2"))
}

func TestAcceptInvitations(t *testing.T) {
	inv := func(arn, sender, name string, status types.ResourceShareInvitationStatus) types.ResourceShareInvitation {
		return types.ResourceShareInvitation{
			ResourceShareInvitationArn: aws.String(arn),
			SenderAccountId:            aws.String(sender),
			ResourceShareName:          aws.String(name),
			Status:                     status,
		}
	}
	f := &fakeRAM{invitations: []types.ResourceShareInvitation{
		inv("a", "111", "LakeFormation-V3-abc", types.ResourceShareInvitationStatusPending),
		inv("b", "999", "LakeFormation-V3-def", types.ResourceShareInvitationStatusPending),
		inv("c", "111", "LakeFormation-V3-ghi", types.ResourceShareInvitationStatusAccepted),
		inv("d", "111", "unrelated", types.ResourceShareInvitationStatusPending),
	}}
	n, err := NewRAM(f, zap.NewNop()).AcceptInvitations(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, f.accepted)
}
