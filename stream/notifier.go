package stream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/rowlock/store"
)

// DefaultDeletedRetention is how long a deleted baseline is kept before its
// TTL expires it.
const DefaultDeletedRetention = 24 * time.Hour

// TableAPI is the subset of *dynamodb.Client used by TableNotifier.
type TableAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

var _ TableAPI = (*dynamodb.Client)(nil)

// TableNotifier keeps the latest baseline of every entity in a DynamoDB
// table keyed by entity_ref.
type TableNotifier struct {
	client    TableAPI
	table     string
	retention time.Duration
	nowFn     func() time.Time
}

var _ Notifier = (*TableNotifier)(nil)

// NewTableNotifier creates a notifier writing to table.
func NewTableNotifier(client TableAPI, table string) *TableNotifier {
	return &TableNotifier{
		client:    client,
		table:     table,
		retention: DefaultDeletedRetention,
		nowFn:     time.Now,
	}
}

// Publish records b as the entity's latest baseline.
func (n *TableNotifier) Publish(ctx context.Context, b Baseline) error {
	now := n.nowFn().UTC()
	item := map[string]types.AttributeValue{
		"entity_ref":  &types.AttributeValueMemberS{Value: b.EntityRef},
		"entity_type": &types.AttributeValueMemberS{Value: b.EntityType},
		"source":      &types.AttributeValueMemberS{Value: b.Table},
		"checksum":    &types.AttributeValueMemberS{Value: b.Current.String()},
		"previous":    &types.AttributeValueMemberS{Value: b.Previous.String()},
		"deleted":     &types.AttributeValueMemberBOOL{Value: b.Deleted},
		"updated_at":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
	}
	if b.Deleted {
		item["ttl"] = &types.AttributeValueMemberN{
			Value: strconv.FormatInt(now.Add(n.retention).Unix(), 10),
		}
	}

	_, err := n.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(n.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put baseline: %w", err)
	}
	return nil
}

// Latest returns the most recently published checksum of entityRef. ok is
// false when none was published or the entity was deleted.
func (n *TableNotifier) Latest(ctx context.Context, entityRef string) (sum store.Fingerprint, ok bool, err error) {
	result, err := n.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(n.table),
		Key: map[string]types.AttributeValue{
			"entity_ref": &types.AttributeValueMemberS{Value: entityRef},
		},
	})
	if err != nil {
		return 0, false, fmt.Errorf("get baseline: %w", err)
	}
	if result.Item == nil {
		return 0, false, nil
	}
	if d, isBool := result.Item["deleted"].(*types.AttributeValueMemberBOOL); isBool && d.Value {
		return 0, false, nil
	}
	s, isString := result.Item["checksum"].(*types.AttributeValueMemberS)
	if !isString {
		return 0, false, fmt.Errorf("baseline for %s has no checksum", entityRef)
	}
	v, err := strconv.ParseInt(s.Value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("baseline for %s: %w", entityRef, err)
	}
	return store.Fingerprint(v), true, nil
}

// IsStale reports whether cs no longer matches the latest published
// baseline. Absent and bypass checksums are never stale; neither is an
// entity with no published baseline.
func (n *TableNotifier) IsStale(ctx context.Context, entityRef string, cs store.CheckSum) (bool, error) {
	asRead, has := cs.Value()
	if !has {
		return false, nil
	}
	latest, ok, err := n.Latest(ctx, entityRef)
	if err != nil || !ok {
		return false, err
	}
	return latest != asRead, nil
}
