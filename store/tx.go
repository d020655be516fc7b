package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// maxTransactItems is the DynamoDB limit for TransactGetItems and TransactWriteItems.
const maxTransactItems = 100

type op int

const (
	opCreate op = iota
	opUpdate
	opDelete
)

func (o op) String() string {
	switch o {
	case opCreate:
		return "create"
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	}
	return "unknown"
}

type change struct {
	op     op
	entity Entity
	schema *Schema
	prior  Snapshot
}

// Tx is a unit of work. Changes are staged in memory and written together by
// Commit: either every change is applied or none is.
//
// A Tx is not safe for concurrent use.
type Tx struct {
	store   *Store
	changes []*change
	done    bool
}

// Begin starts a unit of work.
func (s *Store) Begin() *Tx {
	return &Tx{store: s}
}

// Create stages the insertion of e.
func (tx *Tx) Create(e Entity) {
	tx.changes = append(tx.changes, &change{op: opCreate, entity: e})
}

// Update stages writing e back. The entity's CheckSum is checked at Commit.
func (tx *Tx) Update(e Entity) {
	tx.changes = append(tx.changes, &change{op: opUpdate, entity: e})
}

// Delete stages the soft deletion of e. The entity's CheckSum is checked at Commit.
func (tx *Tx) Delete(e Entity) {
	tx.changes = append(tx.changes, &change{op: opDelete, entity: e})
}

// Len returns the number of staged changes.
func (tx *Tx) Len() int { return len(tx.changes) }

// Commit checks and writes all staged changes.
//
// The stored state of every updated or deleted row is captured first; each
// lifecycle's OnPreFlush then runs once per such entity. Any failure aborts
// the whole unit of work before anything is written. The write itself is
// conditioned on the captured state, so a row changed after the check is
// reported as a *ConflictError as well.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	if len(tx.changes) == 0 {
		return nil
	}
	if len(tx.changes) > maxTransactItems {
		return fmt.Errorf("%w: %d > %d", ErrTooManyItems, len(tx.changes), maxTransactItems)
	}

	for _, c := range tx.changes {
		schema, err := tx.store.registry.Lookup(c.entity)
		if err != nil {
			return err
		}
		c.schema = schema
	}

	if err := tx.capturePriors(ctx); err != nil {
		return err
	}

	for _, c := range tx.changes {
		if c.op == opCreate {
			continue
		}
		for _, l := range tx.store.lifecycles {
			if err := l.OnPreFlush(ctx, c.entity, c.prior); err != nil {
				return err
			}
		}
	}

	return tx.flush(ctx)
}

// capturePriors reads the stored state of updated and deleted rows.
func (tx *Tx) capturePriors(ctx context.Context) error {
	var targets []*change
	for _, c := range tx.changes {
		if c.op != opCreate {
			targets = append(targets, c)
		}
	}

	switch len(targets) {
	case 0:
		return nil
	case 1:
		c := targets[0]
		result, err := tx.store.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(c.entity.TableName()),
			Key:            c.entity.GetKey(),
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("read %s: %w", c.entity.EntityRef(), err)
		}
		return tx.setPrior(c, result.Item)
	}

	gets := make([]types.TransactGetItem, len(targets))
	for i, c := range targets {
		gets[i] = types.TransactGetItem{
			Get: &types.Get{
				TableName: aws.String(c.entity.TableName()),
				Key:       c.entity.GetKey(),
			},
		}
	}
	result, err := tx.store.client.TransactGetItems(ctx, &dynamodb.TransactGetItemsInput{
		TransactItems: gets,
	})
	if err != nil {
		return fmt.Errorf("read prior state: %w", err)
	}
	if len(result.Responses) != len(targets) {
		return fmt.Errorf("read prior state: expected %d responses, got %d", len(targets), len(result.Responses))
	}
	for i, c := range targets {
		if err := tx.setPrior(c, result.Responses[i].Item); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) setPrior(c *change, item map[string]types.AttributeValue) error {
	if item == nil || isDeletedAt(item, tx.store.nowFn()) {
		return fmt.Errorf("%w: %s", ErrNotFound, c.entity.EntityRef())
	}
	c.prior = NewSnapshot(c.schema, item)
	return nil
}

// flush writes all changes, using a single-item call when possible.
func (tx *Tx) flush(ctx context.Context) error {
	now := tx.store.nowFn()
	items := make([]types.TransactWriteItem, len(tx.changes))
	for i, c := range tx.changes {
		item, err := tx.writeItem(c, now)
		if err != nil {
			return err
		}
		items[i] = item
	}

	if len(items) == 1 {
		return tx.flushSingle(ctx, items[0])
	}

	_, err := tx.store.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return tx.mapTransactionError(ctx, err)
}

func (tx *Tx) flushSingle(ctx context.Context, item types.TransactWriteItem) error {
	var err error
	switch {
	case item.Put != nil:
		_, err = tx.store.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 item.Put.TableName,
			Item:                      item.Put.Item,
			ConditionExpression:       item.Put.ConditionExpression,
			ExpressionAttributeNames:  item.Put.ExpressionAttributeNames,
			ExpressionAttributeValues: item.Put.ExpressionAttributeValues,
		})
	case item.Update != nil:
		_, err = tx.store.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 item.Update.TableName,
			Key:                       item.Update.Key,
			UpdateExpression:          item.Update.UpdateExpression,
			ConditionExpression:       item.Update.ConditionExpression,
			ExpressionAttributeNames:  item.Update.ExpressionAttributeNames,
			ExpressionAttributeValues: item.Update.ExpressionAttributeValues,
		})
	}
	if err == nil {
		return nil
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return tx.conditionFailed(ctx, tx.changes[0])
	}
	return err
}

// mapTransactionError maps DynamoDB transaction errors back to the failing change.
func (tx *Tx) mapTransactionError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" && i < len(tx.changes) {
				return tx.conditionFailed(ctx, tx.changes[i])
			}
		}
	}

	return err
}

// conditionFailed reports a change whose write condition did not hold.
func (tx *Tx) conditionFailed(ctx context.Context, c *change) error {
	if c.op == opCreate {
		return ErrAlreadyExists
	}

	conflict := &ConflictError{
		EntityRef: c.entity.EntityRef(),
		AsRead:    c.prior.Fingerprint(),
	}
	if lk, ok := c.entity.(Lockable); ok {
		if v, ok := lk.tracked().CheckSum.Value(); ok {
			conflict.AsRead = v
		}
	}

	// Best effort: report what is stored now.
	result, err := tx.store.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.entity.TableName()),
		Key:            c.entity.GetKey(),
		ConsistentRead: aws.Bool(true),
	})
	if err == nil && result.Item != nil {
		conflict.Current = NewSnapshot(c.schema, result.Item).Fingerprint()
	}

	tx.store.logger().InfoContext(ctx, "optimistic lock failure at flush",
		"entityRef", conflict.EntityRef,
		"op", c.op.String(),
		"asRead", conflict.AsRead,
		"current", conflict.Current,
	)
	return conflict
}

// writeItem builds the write for one change.
func (tx *Tx) writeItem(c *change, now time.Time) (types.TransactWriteItem, error) {
	nowISO := now.Format(time.RFC3339)

	switch c.op {
	case opCreate:
		item, err := attributevalue.MarshalMap(c.entity)
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("marshal %s: %w", c.entity.EntityType(), err)
		}

		// Set store-managed fields
		item[attrEntityRef] = &types.AttributeValueMemberS{Value: c.entity.EntityRef()}
		item[attrCreatedAt] = &types.AttributeValueMemberS{Value: nowISO}
		item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: nowISO}
		delete(item, attrTTL)

		names := map[string]string{}
		var conds []string
		for i, k := range sortedKeys(map[string]types.AttributeValue(c.entity.GetKey())) {
			nameKey := fmt.Sprintf("#k%d", i)
			names[nameKey] = k
			conds = append(conds, fmt.Sprintf("attribute_not_exists(%s)", nameKey))
		}

		return types.TransactWriteItem{
			Put: &types.Put{
				TableName:                aws.String(c.entity.TableName()),
				Item:                     item,
				ConditionExpression:      aws.String(strings.Join(conds, " AND ")),
				ExpressionAttributeNames: names,
			},
		}, nil

	case opUpdate:
		item, err := attributevalue.MarshalMap(c.entity)
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("marshal %s: %w", c.entity.EntityType(), err)
		}

		names := map[string]string{"#updated_at": attrUpdatedAt}
		values := map[string]types.AttributeValue{
			":updated_at": &types.AttributeValueMemberS{Value: nowISO},
		}
		key := c.entity.GetKey()

		// Add user-provided attributes, skipping the key and managed fields
		var setClauses []string
		i := 0
		for _, k := range sortedKeys(item) {
			if _, isKey := key[k]; isKey || isManagedAttr(k) {
				continue
			}
			nameKey := fmt.Sprintf("#attr%d", i)
			valueKey := fmt.Sprintf(":val%d", i)
			names[nameKey] = k
			values[valueKey] = item[k]
			setClauses = append(setClauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
			i++
		}
		setClauses = append(setClauses, "#updated_at = :updated_at")

		// Schema attributes no longer present (omitempty) must not linger
		var removeClauses []string
		for j, f := range c.schema.Fields {
			if _, present := item[f.Name]; present {
				continue
			}
			if _, isKey := key[f.Name]; isKey {
				continue
			}
			nameKey := fmt.Sprintf("#rm%d", j)
			names[nameKey] = f.Name
			removeClauses = append(removeClauses, nameKey)
		}

		updateExpr := "SET " + strings.Join(setClauses, ", ")
		if len(removeClauses) > 0 {
			updateExpr += " REMOVE " + strings.Join(removeClauses, ", ")
		}

		return types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 aws.String(c.entity.TableName()),
				Key:                       key,
				UpdateExpression:          aws.String(updateExpr),
				ConditionExpression:       aws.String(guardCondition(c.prior, now, names, values)),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		}, nil

	case opDelete:
		names := map[string]string{"#updated_at": attrUpdatedAt}
		values := map[string]types.AttributeValue{
			":updated_at": &types.AttributeValueMemberS{Value: nowISO},
			":now":        &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		}
		return types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 aws.String(c.entity.TableName()),
				Key:                       c.entity.GetKey(),
				UpdateExpression:          aws.String("SET #ttl = :now, #updated_at = :updated_at"),
				ConditionExpression:       aws.String(guardCondition(c.prior, now, names, values)),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		}, nil
	}

	return types.TransactWriteItem{}, fmt.Errorf("rowlock: unknown operation %d", c.op)
}

// guardCondition builds a condition that holds only while every schema
// attribute still has the value captured in prior and the row is not deleted
// as of now. A row whose ttl is still in the future is live, as in Get.
func guardCondition(prior Snapshot, now time.Time, names map[string]string, values map[string]types.AttributeValue) string {
	names["#ttl"] = attrTTL
	values[":now"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)}
	var clauses []string
	for i, f := range prior.schema.Fields {
		nameKey := fmt.Sprintf("#g%d", i)
		names[nameKey] = f.Name

		av, ok := prior.attrs[f.Name]
		switch {
		case !ok:
			clauses = append(clauses, fmt.Sprintf("attribute_not_exists(%s)", nameKey))
		case isNull(av):
			values[":null"] = &types.AttributeValueMemberS{Value: "NULL"}
			clauses = append(clauses, fmt.Sprintf("attribute_type(%s, :null)", nameKey))
		default:
			valueKey := fmt.Sprintf(":g%d", i)
			values[valueKey] = av
			clauses = append(clauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
		}
	}
	clauses = append(clauses, "("+TTLFilterExpr()+")")
	return strings.Join(clauses, " AND ")
}

func isNull(av types.AttributeValue) bool {
	_, ok := av.(*types.AttributeValueMemberNULL)
	return ok
}

func sortedKeys(m map[string]types.AttributeValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
