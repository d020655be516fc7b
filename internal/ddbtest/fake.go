// Package ddbtest provides an in-memory DynamoDB fake for tests.
//
// It implements the item operations used by the store, including condition,
// key condition, filter and update expressions. Only the expression grammar
// the store emits is supported: comparisons, AND/OR/NOT, parentheses,
// attribute_exists, attribute_not_exists, attribute_type and begins_with;
// SET (plain assignment) and REMOVE updates.
package ddbtest

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Fake is an in-memory DynamoDB. It is safe for concurrent use.
type Fake struct {
	mu     sync.Mutex
	tables map[string]*table
	calls  map[string]int
	hook   func()
}

type table struct {
	keys  []string
	items map[string]map[string]types.AttributeValue
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		tables: make(map[string]*table),
		calls:  make(map[string]int),
	}
}

// CreateTable adds a table keyed by the given attributes (hash key first).
func (f *Fake) CreateTable(name string, keyAttrs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{
		keys:  keyAttrs,
		items: make(map[string]map[string]types.AttributeValue),
	}
}

// Seed stores item unconditionally. It panics if the table is unknown or the
// item lacks a key attribute.
func (f *Fake) Seed(tableName string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(tableName)
	if err != nil {
		panic(err)
	}
	k, err := t.keyOf(item)
	if err != nil {
		panic(err)
	}
	t.items[k] = copyItem(item)
}

// Item returns a copy of the stored item, or nil.
func (f *Fake) Item(tableName string, key map[string]types.AttributeValue) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(tableName)
	if err != nil {
		return nil
	}
	k, err := t.keyOf(key)
	if err != nil {
		return nil
	}
	return copyItem(t.items[k])
}

// Calls returns how many times the named operation (e.g. "UpdateItem") ran.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// BeforeNextWrite registers fn to run once, at the start of the next write
// call and before its conditions are evaluated. Tests use it to slip in a
// competing writer.
func (f *Fake) BeforeNextWrite(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = fn
}

func (f *Fake) runHook() {
	f.mu.Lock()
	fn := f.hook
	f.hook = nil
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *Fake) table(name string) (*table, error) {
	t, ok := f.tables[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{
			Message: aws.String("Requested resource not found: Table: " + name + " not found"),
		}
	}
	return t, nil
}

// GetItem implements store.Client.
func (f *Fake) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetItem"]++

	t, err := f.table(aws.ToString(in.TableName))
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: copyItem(t.items[k])}, nil
}

// PutItem implements store.Client.
func (f *Fake) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.runHook()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PutItem"]++

	w := write{
		table:  aws.ToString(in.TableName),
		key:    in.Item,
		put:    in.Item,
		cond:   aws.ToString(in.ConditionExpression),
		names:  in.ExpressionAttributeNames,
		values: in.ExpressionAttributeValues,
	}
	if err := f.apply([]write{w}, false); err != nil {
		return nil, err
	}
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem implements store.Client.
func (f *Fake) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.runHook()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateItem"]++

	w := write{
		table:  aws.ToString(in.TableName),
		key:    in.Key,
		update: aws.ToString(in.UpdateExpression),
		cond:   aws.ToString(in.ConditionExpression),
		names:  in.ExpressionAttributeNames,
		values: in.ExpressionAttributeValues,
	}
	if err := f.apply([]write{w}, false); err != nil {
		return nil, err
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

// Query implements store.Client. Index names are ignored; conditions are
// evaluated against base table items. All results come back in one page.
func (f *Fake) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Query"]++

	t, err := f.table(aws.ToString(in.TableName))
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}

	out := &dynamodb.QueryOutput{}
	for _, k := range keys {
		item := t.items[k]
		ok, err := evalCondition(aws.ToString(in.KeyConditionExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, fmt.Errorf("key condition: %w", err)
		}
		if !ok {
			continue
		}
		if in.Limit != nil && out.ScannedCount >= *in.Limit {
			break
		}
		out.ScannedCount++
		if filter := aws.ToString(in.FilterExpression); filter != "" {
			ok, err := evalCondition(filter, item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
			if err != nil {
				return nil, fmt.Errorf("filter: %w", err)
			}
			if !ok {
				continue
			}
		}
		out.Items = append(out.Items, copyItem(item))
		out.Count++
	}
	return out, nil
}

// TransactGetItems implements store.Client.
func (f *Fake) TransactGetItems(_ context.Context, in *dynamodb.TransactGetItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactGetItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["TransactGetItems"]++

	out := &dynamodb.TransactGetItemsOutput{}
	for _, ti := range in.TransactItems {
		if ti.Get == nil {
			return nil, fmt.Errorf("ddbtest: transact get item without Get")
		}
		t, err := f.table(aws.ToString(ti.Get.TableName))
		if err != nil {
			return nil, err
		}
		k, err := t.keyOf(ti.Get.Key)
		if err != nil {
			return nil, err
		}
		out.Responses = append(out.Responses, types.ItemResponse{Item: copyItem(t.items[k])})
	}
	return out, nil
}

// TransactWriteItems implements store.Client. Either all writes apply or none.
func (f *Fake) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.runHook()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["TransactWriteItems"]++

	writes := make([]write, 0, len(in.TransactItems))
	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			writes = append(writes, write{
				table:  aws.ToString(ti.Put.TableName),
				key:    ti.Put.Item,
				put:    ti.Put.Item,
				cond:   aws.ToString(ti.Put.ConditionExpression),
				names:  ti.Put.ExpressionAttributeNames,
				values: ti.Put.ExpressionAttributeValues,
			})
		case ti.Update != nil:
			writes = append(writes, write{
				table:  aws.ToString(ti.Update.TableName),
				key:    ti.Update.Key,
				update: aws.ToString(ti.Update.UpdateExpression),
				cond:   aws.ToString(ti.Update.ConditionExpression),
				names:  ti.Update.ExpressionAttributeNames,
				values: ti.Update.ExpressionAttributeValues,
			})
		case ti.Delete != nil:
			writes = append(writes, write{
				table:  aws.ToString(ti.Delete.TableName),
				key:    ti.Delete.Key,
				remove: true,
				cond:   aws.ToString(ti.Delete.ConditionExpression),
				names:  ti.Delete.ExpressionAttributeNames,
				values: ti.Delete.ExpressionAttributeValues,
			})
		case ti.ConditionCheck != nil:
			writes = append(writes, write{
				table:  aws.ToString(ti.ConditionCheck.TableName),
				key:    ti.ConditionCheck.Key,
				check:  true,
				cond:   aws.ToString(ti.ConditionCheck.ConditionExpression),
				names:  ti.ConditionCheck.ExpressionAttributeNames,
				values: ti.ConditionCheck.ExpressionAttributeValues,
			})
		default:
			return nil, fmt.Errorf("ddbtest: empty transact write item")
		}
	}

	if err := f.apply(writes, true); err != nil {
		return nil, err
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

type write struct {
	table  string
	key    map[string]types.AttributeValue
	put    map[string]types.AttributeValue
	update string
	remove bool
	check  bool
	cond   string
	names  map[string]string
	values map[string]types.AttributeValue
}

// apply evaluates every condition, then applies every write. Callers hold f.mu.
func (f *Fake) apply(writes []write, transactional bool) error {
	type staged struct {
		t    *table
		k    string
		item map[string]types.AttributeValue
	}
	results := make([]staged, len(writes))
	reasons := make([]types.CancellationReason, len(writes))
	failed := false

	for i, w := range writes {
		t, err := f.table(w.table)
		if err != nil {
			return err
		}
		k, err := t.keyOf(w.key)
		if err != nil {
			return err
		}
		existing := t.items[k]

		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if w.cond != "" {
			ok, err := evalCondition(w.cond, existing, w.names, w.values)
			if err != nil {
				return fmt.Errorf("condition %q: %w", w.cond, err)
			}
			if !ok {
				reasons[i] = types.CancellationReason{
					Code:    aws.String("ConditionalCheckFailed"),
					Message: aws.String("The conditional request failed"),
				}
				failed = true
				continue
			}
		}

		var next map[string]types.AttributeValue
		switch {
		case w.check:
			next = existing
		case w.remove:
			next = nil
		case w.put != nil:
			next = copyItem(w.put)
		default:
			next = copyItem(existing)
			if next == nil {
				next = make(map[string]types.AttributeValue)
			}
			for _, attr := range t.keys {
				next[attr] = w.key[attr]
			}
			if err := applyUpdate(w.update, existing, next, w.names, w.values); err != nil {
				return fmt.Errorf("update %q: %w", w.update, err)
			}
		}
		results[i] = staged{t: t, k: k, item: next}
	}

	if failed {
		if transactional {
			return &types.TransactionCanceledException{
				Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
				CancellationReasons: reasons,
			}
		}
		return &types.ConditionalCheckFailedException{
			Message: aws.String("The conditional request failed"),
		}
	}

	for i, w := range writes {
		if w.check {
			continue
		}
		r := results[i]
		if r.item == nil {
			delete(r.t.items, r.k)
			continue
		}
		r.t.items[r.k] = r.item
	}
	return nil
}

// keyOf encodes the key attributes of item.
func (t *table) keyOf(item map[string]types.AttributeValue) (string, error) {
	parts := make([]string, len(t.keys))
	for i, attr := range t.keys {
		switch v := item[attr].(type) {
		case *types.AttributeValueMemberS:
			parts[i] = "S:" + v.Value
		case *types.AttributeValueMemberN:
			parts[i] = "N:" + normalizeNumber(v.Value)
		case *types.AttributeValueMemberB:
			parts[i] = "B:" + hex.EncodeToString(v.Value)
		default:
			return "", fmt.Errorf("ddbtest: missing or invalid key attribute %q", attr)
		}
	}
	return strings.Join(parts, "|"), nil
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
