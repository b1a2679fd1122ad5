package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/data-mesh/internal/model"
)

type fakeDynamo struct {
	DynamoAPI

	update    *dynamodb.UpdateItemInput
	updateOut *dynamodb.UpdateItemOutput
	updateErr error
	query     *dynamodb.QueryInput
	queryOut  *dynamodb.QueryOutput
	get       map[string]types.AttributeValue
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.update = in
	return f.updateOut, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.query = in
	return f.queryOut, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.get}, nil
}

func sampleSubscription() *model.Subscription {
	at := time.Date(2025, 1, 14, 10, 0, 0, 0, time.UTC)
	return &model.Subscription{
		ID:                  uuid.New(),
		OwnerPrincipal:      "111111111111",
		SubscriberPrincipal: "222222222222",
		Status:              model.StatusActive,
		Scope:               model.ScopeField{Scope: model.TablesScope{Database: "sales", Tables: []string{"orders"}}},
		DedupKey:            "k",
		RequestedGrants:     model.Tokens{"SELECT"},
		PermittedGrants:     model.Tokens{"SELECT"},
		GrantableGrants:     model.Tokens{},
		GrantedResourceRefs: model.Tokens{"arn:aws:glue:eu-west-1:111111111111:table/sales/orders"},
		ShareRefs:           model.ShareRefs{"orders": {Type: "Table", ARN: "arn:aws:ram:eu-west-1:111111111111:resource-share/x"}},
		Notes:               []model.Note{{Text: "a"}, {Text: "b"}},
		CreatedAt:           at,
		CreatedBy:           "creator",
		UpdatedAt:           at,
	}
}

func TestItemRoundTrip(t *testing.T) {
	sub := sampleSubscription()
	av, err := attributevalue.MarshalMap(toItem(sub))
	require.NoError(t, err)

	assert.Contains(t, av, "DatabaseName")
	assert.Contains(t, av, "TableName")
	assert.Contains(t, av, "GrantedTableARNs")
	assert.IsType(t, &types.AttributeValueMemberSS{}, av["Notes"])

	got, err := decodeItem(av)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, sub.Scope, got.Scope)
	assert.Equal(t, sub.ShareRefs, got.ShareRefs)
	assert.Equal(t, []string{"a", "b"}, got.NoteTexts())
	assert.Equal(t, []string(sub.PermittedGrants), []string(got.PermittedGrants))
	assert.True(t, sub.CreatedAt.Equal(got.CreatedAt))
}

func TestDynamoConditionalUpdate(t *testing.T) {
	sub := sampleSubscription()
	av, err := attributevalue.MarshalMap(toItem(sub))
	require.NoError(t, err)
	f := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: av}}
	r := NewSubscriptionDynamo(f, "")

	got, err := r.ConditionalUpdate(context.Background(), sub.ID, Mutation{
		Status: model.StatusActive,
		Grants: &GrantState{Permitted: []string{"SELECT"}},
		Notes:  []string{"approved"},
		Actor:  "owner",
		At:     time.Now(),
	}, []model.Status{model.StatusPending, model.StatusDenied})
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)

	in := f.update
	require.NotNil(t, in)
	assert.Equal(t, DefaultTable, aws.ToString(in.TableName))
	assert.Contains(t, aws.ToString(in.UpdateExpression), "ADD")
	assert.Contains(t, aws.ToString(in.ConditionExpression), "IN")
	assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)

	var statuses []string
	var sawNotes bool
	for _, v := range in.ExpressionAttributeValues {
		switch tv := v.(type) {
		case *types.AttributeValueMemberS:
			statuses = append(statuses, tv.Value)
		case *types.AttributeValueMemberSS:
			sawNotes = true
			assert.Equal(t, []string{"approved"}, tv.Value)
		}
	}
	assert.True(t, sawNotes)
	assert.Contains(t, statuses, "Pending")
	assert.Contains(t, statuses, "Denied")
}

func TestDynamoConditionFailure(t *testing.T) {
	id := uuid.New()
	f := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{
		Message: aws.String("The conditional request failed"),
		Item:    map[string]types.AttributeValue{"Status": &types.AttributeValueMemberS{Value: "Active"}},
	}}
	r := NewSubscriptionDynamo(f, "t")

	_, err := r.ConditionalUpdate(context.Background(), id, Mutation{Status: model.StatusDenied}, []model.Status{model.StatusPending})
	require.ErrorIs(t, err, ErrConcurrentModification)
	var ce *ConditionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, model.StatusActive, ce.Current)

	f.updateErr = &types.ConditionalCheckFailedException{}
	_, err = r.ConditionalUpdate(context.Background(), id, Mutation{Status: model.StatusDenied}, []model.Status{model.StatusPending})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoQueryByOwner(t *testing.T) {
	lek := map[string]types.AttributeValue{
		"SubscriptionId": &types.AttributeValueMemberS{Value: "x"},
		"OwnerPrincipal": &types.AttributeValueMemberS{Value: "o"},
		"Status":         &types.AttributeValueMemberS{Value: "Pending"},
	}
	f := &fakeDynamo{queryOut: &dynamodb.QueryOutput{LastEvaluatedKey: lek}}
	r := NewSubscriptionDynamo(f, "subs")

	p, err := r.QueryByOwner(context.Background(), "o", "", Query{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, "subs-Owner", aws.ToString(f.query.IndexName))
	assert.NotNil(t, f.query.FilterExpression)
	assert.Equal(t, int32(10), aws.ToInt32(f.query.Limit))
	require.NotEmpty(t, p.NextToken)

	_, err = r.QueryByOwner(context.Background(), "o", model.StatusPending, Query{StartToken: p.NextToken})
	require.NoError(t, err)
	assert.Nil(t, f.query.FilterExpression)
	assert.Equal(t, lek, f.query.ExclusiveStartKey)

	_, err = r.QueryByOwner(context.Background(), "o", model.StatusDeleted, Query{})
	require.NoError(t, err)
	assert.Nil(t, f.query.FilterExpression)
}

func TestDynamoBadPageToken(t *testing.T) {
	r := NewSubscriptionDynamo(&fakeDynamo{queryOut: &dynamodb.QueryOutput{}}, "subs")
	for _, tok := range []string{"%%%", "bm90LWpzb24"} {
		_, err := r.QueryBySubscriber(context.Background(), "s", Query{StartToken: tok})
		assert.ErrorIs(t, err, ErrInvalidToken, tok)
	}
}

func TestDynamoGetNotFound(t *testing.T) {
	r := NewSubscriptionDynamo(&fakeDynamo{}, "")
	_, err := r.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
