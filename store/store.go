package store

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Client is the subset of *dynamodb.Client used by the Store.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactGetItems(ctx context.Context, params *dynamodb.TransactGetItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactGetItemsOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

// Store provides DynamoDB operations with checksum-based optimistic locking.
type Store struct {
	client     Client
	config     Config
	registry   *Registry
	lifecycles []Lifecycle
	nowFn      func() time.Time
}

// New creates a new Store. The checksum lock is installed as the first
// lifecycle, configured from config.Locking.
func New(client Client, registry *Registry, config Config) *Store {
	config.validate()
	if registry == nil {
		registry = NewRegistry()
	}
	s := &Store{
		client:   client,
		config:   config,
		registry: registry,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	s.Use(NewChecksumLock(registry, config.Locking, config.Logger))
	return s
}

// Use appends a lifecycle. Call it during startup, before the Store is shared.
func (s *Store) Use(l Lifecycle) {
	s.lifecycles = append(s.lifecycles, l)
}

// Registry returns the schema registry.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.config
}

func (s *Store) logger() *slog.Logger {
	return s.config.Logger
}

// Get loads the entity identified by e.GetKey() into e, which must be a
// pointer. It returns ErrNotFound if the entity is missing or deleted.
func (s *Store) Get(ctx context.Context, e Entity) error {
	if err := requirePointer(e); err != nil {
		return err
	}
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(e.TableName()),
		Key:            e.GetKey(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return err
	}
	if result.Item == nil || isDeletedAt(result.Item, s.nowFn()) {
		return ErrNotFound
	}
	return s.load(ctx, result.Item, e)
}

// Query queries entities with automatic TTL filtering. Every returned entity
// has gone through the same load path as Get.
func Query[T any, PT interface {
	*T
	Entity
}](ctx context.Context, s *Store, input QueryInput) ([]PT, error) {
	// Merge TTL filter with any existing filter
	filterExpr := TTLFilterExpr()
	if input.FilterExpression != "" {
		filterExpr = fmt.Sprintf("(%s) AND (%s)", input.FilterExpression, filterExpr)
	}

	queryInput := &dynamodb.QueryInput{
		TableName:                 aws.String(input.TableName),
		KeyConditionExpression:    aws.String(input.KeyConditionExpression),
		FilterExpression:          aws.String(filterExpr),
		ExpressionAttributeNames:  mergeExprNames(TTLFilterNames(), input.ExpressionAttributeNames),
		ExpressionAttributeValues: mergeExprValues(ttlFilterValuesAt(s.nowFn()), input.ExpressionAttributeValues),
	}

	if input.IndexName != "" {
		queryInput.IndexName = aws.String(input.IndexName)
	}
	if input.Limit > 0 {
		queryInput.Limit = aws.Int32(input.Limit)
	}
	if input.ScanIndexForward != nil {
		queryInput.ScanIndexForward = input.ScanIndexForward
	}

	// Paginate through all results
	var entities []PT
	paginator := dynamodb.NewQueryPaginator(s.client, queryInput)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			e := PT(new(T))
			if err := s.load(ctx, raw, e); err != nil {
				return nil, err
			}
			entities = append(entities, e)
		}
	}

	return entities, nil
}

// load materializes raw into e and fires OnLoaded once.
func (s *Store) load(ctx context.Context, raw map[string]types.AttributeValue, e Entity) error {
	// Reset so attributes missing from raw do not keep stale values.
	rv := reflect.ValueOf(e).Elem()
	rv.Set(reflect.Zero(rv.Type()))

	if err := attributevalue.UnmarshalMap(raw, e); err != nil {
		return fmt.Errorf("unmarshal %s: %w", e.EntityType(), err)
	}
	var row Snapshot
	if schema, err := s.registry.Lookup(e); err == nil {
		row = NewSnapshot(schema, raw)
	}
	for _, l := range s.lifecycles {
		if err := l.OnLoaded(ctx, e, row); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts a new entity. It fails with ErrAlreadyExists if the key is taken.
func (s *Store) Create(ctx context.Context, e Entity) error {
	tx := s.Begin()
	tx.Create(e)
	return tx.Commit(ctx)
}

// Update writes e back, subject to the lock check.
func (s *Store) Update(ctx context.Context, e Entity) error {
	tx := s.Begin()
	tx.Update(e)
	return tx.Commit(ctx)
}

// Delete soft-deletes e by setting its TTL, subject to the lock check.
func (s *Store) Delete(ctx context.Context, e Entity) error {
	tx := s.Begin()
	tx.Delete(e)
	return tx.Commit(ctx)
}

func requirePointer(e Entity) error {
	rv := reflect.ValueOf(e)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("rowlock: %T must be a non-nil pointer to a struct", e)
	}
	return nil
}
