package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"example.com/data-mesh/internal/model"
)

const DefaultTable = "AwsDataMeshSubscriptions"

const (
	attrID         = "SubscriptionId"
	attrOwner      = "OwnerPrincipal"
	attrSubscriber = "SubscriberPrincipal"
	attrStatus     = "Status"
	attrPermitted  = "PermittedGrants"
	attrGrantable  = "GrantableGrants"
	attrRefs       = "GrantedTableARNs"
	attrShares     = "RamShares"
	attrNotes      = "Notes"
	attrUpdatedAt  = "UpdatedDate"
	attrUpdatedBy  = "UpdatedBy"
)

// DynamoAPI is the subset of the DynamoDB client used by SubscriptionDynamo.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// SubscriptionDynamo keeps subscriptions in a DynamoDB table keyed by
// SubscriptionId, with Owner (OwnerPrincipal, Status) and Subscriber
// (SubscriberPrincipal) global secondary indexes.
type SubscriptionDynamo struct {
	client DynamoAPI
	table  string
}

func NewSubscriptionDynamo(client DynamoAPI, table string) *SubscriptionDynamo {
	if table == "" {
		table = DefaultTable
	}
	return &SubscriptionDynamo{client: client, table: table}
}

func (r *SubscriptionDynamo) OwnerIndex() string      { return r.table + "-Owner" }
func (r *SubscriptionDynamo) SubscriberIndex() string { return r.table + "-Subscriber" }

type item struct {
	SubscriptionID      string `dynamodbav:"SubscriptionId"`
	OwnerPrincipal      string `dynamodbav:"OwnerPrincipal"`
	SubscriberPrincipal string `dynamodbav:"SubscriberPrincipal"`
	Status              string `dynamodbav:"Status"`
	model.ScopeDoc
	DedupKey            string                    `dynamodbav:"DedupKey"`
	RequestedGrants     []string                  `dynamodbav:"RequestedGrants"`
	PermittedGrants     []string                  `dynamodbav:"PermittedGrants"`
	GrantableGrants     []string                  `dynamodbav:"GrantableGrants"`
	GrantedResourceRefs []string                  `dynamodbav:"GrantedTableARNs"`
	ShareRefs           map[string]model.ShareRef `dynamodbav:"RamShares,omitempty"`
	Notes               []string                  `dynamodbav:"Notes,stringset,omitempty"`
	CreatedAt           time.Time                 `dynamodbav:"CreationDate"`
	CreatedBy           string                    `dynamodbav:"CreatedBy"`
	UpdatedAt           time.Time                 `dynamodbav:"UpdatedDate"`
	UpdatedBy           string                    `dynamodbav:"UpdatedBy,omitempty"`
}

func toItem(s *model.Subscription) item {
	return item{
		SubscriptionID:      s.ID.String(),
		OwnerPrincipal:      s.OwnerPrincipal,
		SubscriberPrincipal: s.SubscriberPrincipal,
		Status:              string(s.Status),
		ScopeDoc:            model.EncodeScope(s.Scope.Scope),
		DedupKey:            s.DedupKey,
		RequestedGrants:     nonNil(s.RequestedGrants),
		PermittedGrants:     nonNil(s.PermittedGrants),
		GrantableGrants:     nonNil(s.GrantableGrants),
		GrantedResourceRefs: nonNil(s.GrantedResourceRefs),
		ShareRefs:           s.ShareRefs,
		Notes:               s.NoteTexts(),
		CreatedAt:           s.CreatedAt,
		CreatedBy:           s.CreatedBy,
		UpdatedAt:           s.UpdatedAt,
		UpdatedBy:           s.UpdatedBy,
	}
}

func (it item) subscription() (*model.Subscription, error) {
	id, err := uuid.Parse(it.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("item %q: %w", it.SubscriptionID, err)
	}
	scope, err := model.DecodeScope(it.ScopeDoc)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", id, err)
	}
	s := &model.Subscription{
		ID:                  id,
		OwnerPrincipal:      it.OwnerPrincipal,
		SubscriberPrincipal: it.SubscriberPrincipal,
		Status:              model.Status(it.Status),
		Scope:               model.ScopeField{Scope: scope},
		DedupKey:            it.DedupKey,
		RequestedGrants:     it.RequestedGrants,
		PermittedGrants:     it.PermittedGrants,
		GrantableGrants:     it.GrantableGrants,
		GrantedResourceRefs: it.GrantedResourceRefs,
		ShareRefs:           it.ShareRefs,
		CreatedAt:           it.CreatedAt,
		CreatedBy:           it.CreatedBy,
		UpdatedAt:           it.UpdatedAt,
		UpdatedBy:           it.UpdatedBy,
	}
	notes := append([]string(nil), it.Notes...)
	sort.Strings(notes)
	for _, n := range notes {
		s.Notes = append(s.Notes, model.Note{SubscriptionID: id, Text: n})
	}
	return s, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func decodeItem(av map[string]types.AttributeValue) (*model.Subscription, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return nil, err
	}
	return it.subscription()
}

// stringSet marshals as a DynamoDB string set so it can be used with ADD.
type stringSet []string

func (s stringSet) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberSS{Value: []string(s)}, nil
}

func (r *SubscriptionDynamo) key(id uuid.UUID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrID: &types.AttributeValueMemberS{Value: id.String()}}
}

func (r *SubscriptionDynamo) Put(ctx context.Context, s *model.Subscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	av, err := attributevalue.MarshalMap(toItem(s))
	if err != nil {
		return err
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      av,
	})
	return err
}

func (r *SubscriptionDynamo) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            r.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	return decodeItem(out.Item)
}

func (r *SubscriptionDynamo) ConditionalUpdate(ctx context.Context, id uuid.UUID, m Mutation, allowed []model.Status) (*model.Subscription, error) {
	if len(allowed) == 0 {
		return nil, &ConditionError{ID: id}
	}
	upd := expression.
		Set(expression.Name(attrUpdatedAt), expression.Value(m.At)).
		Set(expression.Name(attrUpdatedBy), expression.Value(m.Actor))
	if m.Status != "" {
		upd = upd.Set(expression.Name(attrStatus), expression.Value(string(m.Status)))
	}
	if m.Grants != nil {
		upd = upd.
			Set(expression.Name(attrPermitted), expression.Value(nonNil(m.Grants.Permitted))).
			Set(expression.Name(attrGrantable), expression.Value(nonNil(m.Grants.Grantable)))
	}
	if m.Resources != nil {
		upd = upd.Set(expression.Name(attrRefs), expression.Value(nonNil(m.Resources.Refs)))
		if m.Resources.Shares != nil {
			upd = upd.Set(expression.Name(attrShares), expression.Value(map[string]model.ShareRef(m.Resources.Shares)))
		} else {
			upd = upd.Remove(expression.Name(attrShares))
		}
	}
	if notes := cleanNotes(m.Notes); len(notes) > 0 {
		upd = upd.Add(expression.Name(attrNotes), expression.Value(stringSet(notes)))
	}

	others := make([]expression.OperandBuilder, 0, len(allowed)-1)
	for _, s := range allowed[1:] {
		others = append(others, expression.Value(string(s)))
	}
	cond := expression.Name(attrStatus).In(expression.Value(string(allowed[0])), others...)

	expr, err := expression.NewBuilder().WithUpdate(upd).WithCondition(cond).Build()
	if err != nil {
		return nil, err
	}
	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(r.table),
		Key:                                 r.key(id),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if ccf.Item == nil {
			return nil, ErrNotFound
		}
		var cur struct {
			Status string `dynamodbav:"Status"`
		}
		if err := attributevalue.UnmarshalMap(ccf.Item, &cur); err != nil {
			return nil, err
		}
		return nil, &ConditionError{ID: id, Current: model.Status(cur.Status)}
	}
	if err != nil {
		return nil, err
	}
	return decodeItem(out.Attributes)
}

func (r *SubscriptionDynamo) QueryByOwner(ctx context.Context, owner string, status model.Status, q Query) (Page, error) {
	keyCond := expression.Key(attrOwner).Equal(expression.Value(owner))
	if status != "" {
		keyCond = keyCond.And(expression.Key(attrStatus).Equal(expression.Value(string(status))))
		// The key condition already pins the status.
		q.IncludeDeleted = true
	}
	return r.query(ctx, r.OwnerIndex(), keyCond, q)
}

func (r *SubscriptionDynamo) QueryBySubscriber(ctx context.Context, subscriber string, q Query) (Page, error) {
	keyCond := expression.Key(attrSubscriber).Equal(expression.Value(subscriber))
	return r.query(ctx, r.SubscriberIndex(), keyCond, q)
}

func (r *SubscriptionDynamo) query(ctx context.Context, index string, keyCond expression.KeyConditionBuilder, q Query) (Page, error) {
	b := expression.NewBuilder().WithKeyCondition(keyCond)
	if !q.IncludeDeleted {
		b = b.WithFilter(notDeleted())
	}
	expr, err := b.Build()
	if err != nil {
		return Page{}, err
	}
	start, err := decodeToken(q.StartToken)
	if err != nil {
		return Page{}, err
	}
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.table),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ExclusiveStartKey:         start,
		Limit:                     aws.Int32(int32(q.limit())),
	})
	if err != nil {
		return Page{}, err
	}
	return r.toPage(out.Items, out.LastEvaluatedKey, nil)
}

func (r *SubscriptionDynamo) Scan(ctx context.Context, filter Predicate, q Query) (Page, error) {
	in := &dynamodb.ScanInput{
		TableName: aws.String(r.table),
		Limit:     aws.Int32(int32(q.limit())),
	}
	if !q.IncludeDeleted {
		expr, err := expression.NewBuilder().WithFilter(notDeleted()).Build()
		if err != nil {
			return Page{}, err
		}
		in.FilterExpression = expr.Filter()
		in.ExpressionAttributeNames = expr.Names()
		in.ExpressionAttributeValues = expr.Values()
	}
	start, err := decodeToken(q.StartToken)
	if err != nil {
		return Page{}, err
	}
	in.ExclusiveStartKey = start
	out, err := r.client.Scan(ctx, in)
	if err != nil {
		return Page{}, err
	}
	return r.toPage(out.Items, out.LastEvaluatedKey, filter)
}

func notDeleted() expression.ConditionBuilder {
	return expression.Name(attrStatus).NotEqual(expression.Value(string(model.StatusDeleted)))
}

func (r *SubscriptionDynamo) toPage(items []map[string]types.AttributeValue, lek map[string]types.AttributeValue, filter Predicate) (Page, error) {
	var p Page
	for _, av := range items {
		s, err := decodeItem(av)
		if err != nil {
			return Page{}, err
		}
		if filter != nil {
			ok, err := filter(s)
			if err != nil {
				return Page{}, err
			}
			if !ok {
				continue
			}
		}
		p.Items = append(p.Items, *s)
	}
	tok, err := encodeToken(lek)
	if err != nil {
		return Page{}, err
	}
	p.NextToken = tok
	return p, nil
}

// Page tokens are the LastEvaluatedKey, whose attributes are all strings,
// as base64 JSON.
func encodeToken(lek map[string]types.AttributeValue) (string, error) {
	if len(lek) == 0 {
		return "", nil
	}
	var m map[string]string
	if err := attributevalue.UnmarshalMap(lek, &m); err != nil {
		return "", err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeToken(tok string) (map[string]types.AttributeValue, error) {
	if tok == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return attributevalue.MarshalMap(m)
}

// EnsureTable creates the subscriptions table and its indexes when missing.
func (r *SubscriptionDynamo) EnsureTable(ctx context.Context, wait time.Duration) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.table)})
	if err == nil {
		return nil
	}
	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return err
	}
	str := func(n string) types.AttributeDefinition {
		return types.AttributeDefinition{AttributeName: aws.String(n), AttributeType: types.ScalarAttributeTypeS}
	}
	all := &types.Projection{ProjectionType: types.ProjectionTypeAll}
	_, err = r.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:            aws.String(r.table),
		AttributeDefinitions: []types.AttributeDefinition{str(attrID), str(attrSubscriber), str(attrOwner), str(attrStatus)},
		KeySchema:            []types.KeySchemaElement{{AttributeName: aws.String(attrID), KeyType: types.KeyTypeHash}},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(r.OwnerIndex()),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(attrOwner), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String(attrStatus), KeyType: types.KeyTypeRange},
				},
				Projection: all,
			},
			{
				IndexName:  aws.String(r.SubscriberIndex()),
				KeySchema:  []types.KeySchemaElement{{AttributeName: aws.String(attrSubscriber), KeyType: types.KeyTypeHash}},
				Projection: all,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
		StreamSpecification: &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeNewAndOldImages,
		},
	})
	if err != nil {
		return err
	}
	return dynamodb.NewTableExistsWaiter(r.client).Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.table)}, wait)
}
