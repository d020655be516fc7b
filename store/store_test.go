package store_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/rowlock/internal/ddbtest"
	"github.com/jacentio/rowlock/store"
)

// --- Test Entity Types ---

// Order is a lockable entity with a relation to its lines.
type Order struct {
	store.Tracked
	ID       string  `dynamodbav:"id"`
	Customer string  `dynamodbav:"customer"`
	Status   string  `dynamodbav:"status"`
	Total    int64   `dynamodbav:"total"`
	Notes    string  `dynamodbav:"notes,omitempty"`
	Lines    []*Line `dynamodbav:"lines,omitempty"`
}

func (o Order) TableName() string  { return "orders" }
func (o Order) EntityRef() string  { return "order#" + o.ID }
func (o Order) EntityType() string { return "order" }
func (o Order) GetKey() store.PK {
	return store.PK{
		"id": &types.AttributeValueMemberS{Value: o.ID},
	}
}

// Line is an order line. It does not take part in locking.
type Line struct {
	ID      string `dynamodbav:"id"`
	OrderID string `dynamodbav:"order_id"`
	SKU     string `dynamodbav:"sku"`
}

func (l Line) TableName() string  { return "order_lines" }
func (l Line) EntityRef() string  { return "line#" + l.ID }
func (l Line) EntityType() string { return "line" }
func (l Line) GetKey() store.PK {
	return store.PK{
		"id": &types.AttributeValueMemberS{Value: l.ID},
	}
}

// Unregistered is never registered with the store.
type Unregistered struct {
	store.Tracked
	ID string `dynamodbav:"id"`
}

func (u Unregistered) TableName() string  { return "orders" }
func (u Unregistered) EntityRef() string  { return "unregistered#" + u.ID }
func (u Unregistered) EntityType() string { return "unregistered" }
func (u Unregistered) GetKey() store.PK {
	return store.PK{
		"id": &types.AttributeValueMemberS{Value: u.ID},
	}
}

// countingLifecycle records how often each hook fires.
type countingLifecycle struct {
	loaded   int
	preFlush int
}

func (c *countingLifecycle) OnLoaded(context.Context, store.Entity, store.Snapshot) error {
	c.loaded++
	return nil
}

func (c *countingLifecycle) OnPreFlush(context.Context, store.Entity, store.Snapshot) error {
	c.preFlush++
	return nil
}

// --- Helpers ---

func newTestStore(t *testing.T, mode store.LockingMode) (*store.Store, *ddbtest.Fake) {
	t.Helper()
	fake := ddbtest.New()
	fake.CreateTable("orders", "id")
	fake.CreateTable("order_lines", "id")

	reg := store.NewRegistry()
	reg.MustRegister(&Order{})
	reg.MustRegister(&Line{})

	cfg := store.DefaultConfig()
	cfg.Locking = mode
	return store.New(fake, reg, cfg), fake
}

func orderItem(id, customer, status string, total int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id":         &types.AttributeValueMemberS{Value: id},
		"customer":   &types.AttributeValueMemberS{Value: customer},
		"status":     &types.AttributeValueMemberS{Value: status},
		"total":      &types.AttributeValueMemberN{Value: strconv.Itoa(total)},
		"entity_ref": &types.AttributeValueMemberS{Value: "order#" + id},
		"created_at": &types.AttributeValueMemberS{Value: "2024-01-01T00:00:00Z"},
		"updated_at": &types.AttributeValueMemberS{Value: "2024-01-01T00:00:00Z"},
	}
}

func orderKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func storedStatus(t *testing.T, fake *ddbtest.Fake, id string) string {
	t.Helper()
	item := fake.Item("orders", orderKey(id))
	if item == nil {
		t.Fatalf("order %s not stored", id)
	}
	s, ok := item["status"].(*types.AttributeValueMemberS)
	if !ok {
		t.Fatalf("order %s has no status", id)
	}
	return s.Value
}

func loadOrder(t *testing.T, s *store.Store, id string) *Order {
	t.Helper()
	o := &Order{ID: id}
	if err := s.Get(context.Background(), o); err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return o
}

func storedFingerprint(t *testing.T, s *store.Store, fake *ddbtest.Fake, id string) store.Fingerprint {
	t.Helper()
	schema, err := s.Registry().Lookup(&Order{})
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	return store.NewSnapshot(schema, fake.Item("orders", orderKey(id))).Fingerprint()
}

// --- Unit Tests ---

func TestDefaultConfig(t *testing.T) {
	cfg := store.DefaultConfig()

	if cfg.Locking != store.LockingRequired {
		t.Errorf("expected Locking REQUIRED, got %q", cfg.Locking)
	}
	if cfg.Logger == nil {
		t.Error("expected non-nil Logger")
	}
}

func TestNew_DefaultsInvalidConfig(t *testing.T) {
	s := store.New(ddbtest.New(), nil, store.Config{Locking: "sometimes"})

	if s.Config().Locking != store.LockingRequired {
		t.Errorf("expected Locking REQUIRED, got %q", s.Config().Locking)
	}
	if s.Config().Logger == nil {
		t.Error("expected Logger to default")
	}
	if s.Registry() == nil {
		t.Error("expected a registry to be created")
	}
}

func TestParseLockingMode(t *testing.T) {
	tests := []struct {
		in       string
		expected store.LockingMode
		wantErr  bool
	}{
		{"", store.LockingRequired, false},
		{"REQUIRED", store.LockingRequired, false},
		{"required", store.LockingRequired, false},
		{" Optional ", store.LockingOptional, false},
		{"OPTIONAL", store.LockingOptional, false},
		{"NEVER", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			mode, err := store.ParseLockingMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if mode != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, mode)
			}
		})
	}
}

func TestIsDeleted(t *testing.T) {
	tests := []struct {
		name     string
		item     map[string]types.AttributeValue
		expected bool
	}{
		{
			name:     "no TTL attribute",
			item:     map[string]types.AttributeValue{},
			expected: false,
		},
		{
			name: "TTL in past",
			item: map[string]types.AttributeValue{
				"ttl": &types.AttributeValueMemberN{Value: "1000000000"}, // 2001
			},
			expected: true,
		},
		{
			name: "TTL in future",
			item: map[string]types.AttributeValue{
				"ttl": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Unix()+3600)},
			},
			expected: false,
		},
		{
			name: "TTL of wrong type",
			item: map[string]types.AttributeValue{
				"ttl": &types.AttributeValueMemberS{Value: "1000000000"},
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := store.IsDeleted(tt.item)
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestTTLFilter(t *testing.T) {
	if store.TTLFilterExpr() != "attribute_not_exists(#ttl) OR #ttl > :now" {
		t.Errorf("unexpected filter %q", store.TTLFilterExpr())
	}
	if store.TTLFilterNames()["#ttl"] != "ttl" {
		t.Errorf("expected #ttl to map to ttl, got %v", store.TTLFilterNames())
	}
	if _, ok := store.TTLFilterValues()[":now"].(*types.AttributeValueMemberN); !ok {
		t.Error("expected :now to be a number")
	}
}

// --- Load ---

func TestGet_InstallsBaseline(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))

	o := loadOrder(t, s, "o1")

	if o.Status != "open" || o.Total != 100 {
		t.Errorf("unexpected order %+v", o)
	}
	baseline, ok := o.Baseline()
	if !ok {
		t.Fatal("expected baseline to be installed")
	}
	if v, ok := o.CheckSum.Value(); !ok || v != baseline {
		t.Errorf("expected CheckSum %v, got %v", baseline, o.CheckSum)
	}
	if want := storedFingerprint(t, s, fake, "o1"); baseline != want {
		t.Errorf("expected baseline %v to match stored row %v", baseline, want)
	}
}

func TestGet_TwiceGivesSameBaseline(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))

	first, _ := loadOrder(t, s, "o1").Baseline()
	second, _ := loadOrder(t, s, "o1").Baseline()

	if first != second {
		t.Errorf("expected equal baselines, got %v and %v", first, second)
	}
}

func TestGet_ResetsStaleFields(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))

	o := &Order{ID: "o1", Notes: "left over"}
	if err := s.Get(context.Background(), o); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if o.Notes != "" {
		t.Errorf("expected Notes to be cleared, got %q", o.Notes)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t, store.LockingRequired)

	err := s.Get(context.Background(), &Order{ID: "missing"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_SoftDeleted(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	item := orderItem("o1", "alice", "open", 100)
	item["ttl"] = &types.AttributeValueMemberN{Value: "1000000000"}
	fake.Seed("orders", item)

	err := s.Get(context.Background(), &Order{ID: "o1"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_RequiresPointer(t *testing.T) {
	s, _ := newTestStore(t, store.LockingRequired)

	if err := s.Get(context.Background(), Line{ID: "l1"}); err == nil {
		t.Error("expected error for non-pointer entity")
	}
}

func TestGet_UntrackedEntity(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("order_lines", map[string]types.AttributeValue{
		"id":       &types.AttributeValueMemberS{Value: "l1"},
		"order_id": &types.AttributeValueMemberS{Value: "o1"},
		"sku":      &types.AttributeValueMemberS{Value: "SKU-1"},
	})

	l := &Line{ID: "l1"}
	if err := s.Get(context.Background(), l); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if l.SKU != "SKU-1" {
		t.Errorf("expected SKU 'SKU-1', got %q", l.SKU)
	}
}

func TestQuery_LoadsEachRowOnce(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	counter := &countingLifecycle{}
	s.Use(counter)

	fake.Seed("orders", orderItem("o1", "alice", "open", 100))
	fake.Seed("orders", orderItem("o2", "alice", "paid", 250))
	fake.Seed("orders", orderItem("o3", "bob", "open", 75))
	deleted := orderItem("o4", "alice", "open", 5)
	deleted["ttl"] = &types.AttributeValueMemberN{Value: "1000000000"}
	fake.Seed("orders", deleted)

	orders, err := store.Query[Order](context.Background(), s, store.QueryInput{
		TableName:              "orders",
		IndexName:              "by_customer",
		KeyConditionExpression: "#customer = :customer",
		ExpressionAttributeNames: map[string]string{
			"#customer": "customer",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":customer": &types.AttributeValueMemberS{Value: "alice"},
		},
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if counter.loaded != 2 {
		t.Errorf("expected OnLoaded to fire 2 times, got %d", counter.loaded)
	}
	for _, o := range orders {
		baseline, ok := o.Baseline()
		if !ok {
			t.Errorf("order %s has no baseline", o.ID)
			continue
		}
		if want := storedFingerprint(t, s, fake, o.ID); baseline != want {
			t.Errorf("order %s: expected baseline %v, got %v", o.ID, want, baseline)
		}
	}
}

func TestQuery_WithFilter(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))
	fake.Seed("orders", orderItem("o2", "alice", "paid", 250))

	orders, err := store.Query[Order](context.Background(), s, store.QueryInput{
		TableName:              "orders",
		KeyConditionExpression: "#customer = :customer",
		FilterExpression:       "#status = :status",
		ExpressionAttributeNames: map[string]string{
			"#customer": "customer",
			"#status":   "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":customer": &types.AttributeValueMemberS{Value: "alice"},
			":status":   &types.AttributeValueMemberS{Value: "paid"},
		},
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "o2" {
		t.Errorf("expected only o2, got %+v", orders)
	}
}

// --- Optimistic Locking ---

func TestUpdate_UnchangedRowSucceeds(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))

	o := loadOrder(t, s, "o1")
	o.Status = "paid"
	if err := s.Update(context.Background(), o); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if got := storedStatus(t, fake, "o1"); got != "paid" {
		t.Errorf("expected stored status 'paid', got %q", got)
	}
	item := fake.Item("orders", orderKey("o1"))
	if item["updated_at"].(*types.AttributeValueMemberS).Value == "2024-01-01T00:00:00Z" {
		t.Error("expected updated_at to change")
	}
	if item["created_at"].(*types.AttributeValueMemberS).Value != "2024-01-01T00:00:00Z" {
		t.Error("expected created_at to be preserved")
	}
	if fake.Calls("UpdateItem") != 1 {
		t.Errorf("expected 1 UpdateItem call, got %d", fake.Calls("UpdateItem"))
	}
}

func TestUpdate_ConcurrentChangeConflicts(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))

	mine := loadOrder(t, s, "o1")
	asRead, _ := mine.Baseline()

	theirs := loadOrder(t, s, "o1")
	theirs.Status = "cancelled"
	if err := s.Update(context.Background(), theirs); err != nil {
		t.Fatalf("competing Update failed: %v", err)
	}
	current := storedFingerprint(t, s, fake, "o1")

	mine.Status = "paid"
	err := s.Update(context.Background(), mine)

	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if conflict.EntityRef != "order#o1" {
		t.Errorf("expected EntityRef 'order#o1', got %q", conflict.EntityRef)
	}
	if conflict.AsRead != asRead {
		t.Errorf("expected AsRead %v, got %v", asRead, conflict.AsRead)
	}
	if conflict.Current != current {
		t.Errorf("expected Current %v, got %v", current, conflict.Current)
	}
	if got := storedStatus(t, fake, "o1"); got != "cancelled" {
		t.Errorf("expected competing write to survive, got %q", got)
	}
}

func TestUpdate_MissingCheckSum(t *testing.T) {
	tests := []struct {
		name    string
		mode    store.LockingMode
		wantErr bool
	}{
		{"optional", store.LockingOptional, false},
		{"required", store.LockingRequired, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fake := newTestStore(t, tt.mode)
			fake.Seed("orders", orderItem("o1", "alice", "open", 100))

			o := &Order{ID: "o1", Customer: "alice", Status: "paid", Total: 100}
			err := s.Update(context.Background(), o)

			if !tt.wantErr {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				if got := storedStatus(t, fake, "o1"); got != "paid" {
					t.Errorf("expected stored status 'paid', got %q", got)
				}
				return
			}

			if !errors.Is(err, store.ErrChecksumRequired) {
				t.Fatalf("expected ErrChecksumRequired, got %v", err)
			}
			var cfgErr *store.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigurationError, got %T", err)
			}
			if cfgErr.EntityType != "order" {
				t.Errorf("expected EntityType 'order', got %q", cfgErr.EntityType)
			}
			if fake.Calls("UpdateItem") != 0 {
				t.Error("expected nothing to be written")
			}
		})
	}
}

func TestUpdate_UntrackedEntityRequiresOptional(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("order_lines", map[string]types.AttributeValue{
		"id":  &types.AttributeValueMemberS{Value: "l1"},
		"sku": &types.AttributeValueMemberS{Value: "SKU-1"},
	})

	err := s.Update(context.Background(), &Line{ID: "l1", SKU: "SKU-2"})
	if !errors.Is(err, store.ErrChecksumRequired) {
		t.Errorf("expected ErrChecksumRequired, got %v", err)
	}
}

func TestUpdate_BypassIgnoresRowState(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))

	stale := loadOrder(t, s, "o1")
	fake.Seed("orders", orderItem("o1", "alice", "cancelled", 100))

	stale.Status = "paid"
	stale.CheckSum = store.Bypass()
	if err := s.Update(context.Background(), stale); err != nil {
		t.Fatalf("expected bypass to succeed, got %v", err)
	}
	if got := storedStatus(t, fake, "o1"); got != "paid" {
		t.Errorf("expected stored status 'paid', got %q", got)
	}
}

func TestUpdate_ClientSuppliedCheckSum(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))
	current := storedFingerprint(t, s, fake, "o1")

	t.Run("matching", func(t *testing.T) {
		o := &Order{ID: "o1", Customer: "alice", Status: "paid", Total: 100}
		o.CheckSum = store.AsRead(current)
		if err := s.Update(context.Background(), o); err != nil {
			t.Errorf("expected success, got %v", err)
		}
	})

	t.Run("stale", func(t *testing.T) {
		o := &Order{ID: "o1", Customer: "alice", Status: "shipped", Total: 100}
		o.CheckSum = store.AsRead(current)
		err := s.Update(context.Background(), o)
		if !errors.Is(err, store.ErrConcurrentModification) {
			t.Errorf("expected ErrConcurrentModification, got %v", err)
		}
	})
}

func TestUpdate_LateConflictAtFlush(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))

	o := loadOrder(t, s, "o1")
	asRead, _ := o.Baseline()

	// Another writer lands between the check and the write.
	fake.BeforeNextWrite(func() {
		fake.Seed("orders", orderItem("o1", "alice", "cancelled", 100))
	})

	o.Status = "paid"
	err := s.Update(context.Background(), o)

	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
	if conflict.AsRead != asRead {
		t.Errorf("expected AsRead %v, got %v", asRead, conflict.AsRead)
	}
	if want := storedFingerprint(t, s, fake, "o1"); conflict.Current != want {
		t.Errorf("expected Current %v, got %v", want, conflict.Current)
	}
	if got := storedStatus(t, fake, "o1"); got != "cancelled" {
		t.Errorf("expected competing write to survive, got %q", got)
	}
}

func TestUpdate_RelationsDoNotAffectCheckSum(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))

	o := loadOrder(t, s, "o1")
	o.Lines = []*Line{{ID: "l1", OrderID: "o1", SKU: "SKU-1"}}
	if err := s.Update(context.Background(), o); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	fresh := loadOrder(t, s, "o1")
	before, _ := o.Baseline()
	after, _ := fresh.Baseline()
	if before != after {
		t.Errorf("expected relation change to keep checksum %v, got %v", before, after)
	}
}

func TestUpdate_RemovesOmittedAttributes(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	item := orderItem("o1", "alice", "open", 100)
	item["notes"] = &types.AttributeValueMemberS{Value: "leave at door"}
	fake.Seed("orders", item)

	o := loadOrder(t, s, "o1")
	if o.Notes != "leave at door" {
		t.Fatalf("expected notes to load, got %q", o.Notes)
	}
	o.Notes = ""
	if err := s.Update(context.Background(), o); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, ok := fake.Item("orders", orderKey("o1"))["notes"]; ok {
		t.Error("expected notes to be removed")
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s, _ := newTestStore(t, store.LockingOptional)

	err := s.Update(context.Background(), &Order{ID: "missing", Status: "paid"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_UnregisteredType(t *testing.T) {
	s, _ := newTestStore(t, store.LockingRequired)

	err := s.Update(context.Background(), &Unregistered{ID: "u1"})
	if !errors.Is(err, store.ErrSchemaUnavailable) {
		t.Errorf("expected ErrSchemaUnavailable, got %v", err)
	}
}

func TestUpdate_SequentialWritesWithFreshCheckSum(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))

	for i, status := range []string{"paid", "packed", "shipped"} {
		o := loadOrder(t, s, "o1")
		o.Status = status
		o.Total += int64(i)
		if err := s.Update(context.Background(), o); err != nil {
			t.Fatalf("update %d failed: %v", i, err)
		}
	}
	if got := storedStatus(t, fake, "o1"); got != "shipped" {
		t.Errorf("expected 'shipped', got %q", got)
	}
}

func TestUpdate_RowMissingAttributeRoundTrips(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	item := orderItem("o1", "alice", "open", 100)
	delete(item, "status")
	fake.Seed("orders", item)

	o := loadOrder(t, s, "o1")
	if baseline, _ := o.Baseline(); baseline != storedFingerprint(t, s, fake, "o1") {
		t.Errorf("expected baseline %v to equal stored fingerprint %v", baseline, storedFingerprint(t, s, fake, "o1"))
	}
	if err := s.Update(context.Background(), o); err != nil {
		t.Fatalf("expected unchanged write-back to succeed, got %v", err)
	}

	// The write stored status; the next load starts from that row.
	o = loadOrder(t, s, "o1")
	o.Status = "paid"
	if err := s.Update(context.Background(), o); err != nil {
		t.Fatalf("second Update failed: %v", err)
	}
	if got := storedStatus(t, fake, "o1"); got != "paid" {
		t.Errorf("expected 'paid', got %q", got)
	}
}

func TestUpdate_PendingExpiryIsLive(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	expires := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	item := orderItem("o1", "alice", "open", 100)
	item["ttl"] = &types.AttributeValueMemberN{Value: expires}
	fake.Seed("orders", item)

	o := loadOrder(t, s, "o1")
	o.Status = "paid"
	if err := s.Update(context.Background(), o); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got := storedStatus(t, fake, "o1"); got != "paid" {
		t.Errorf("expected 'paid', got %q", got)
	}
	if ttl, ok := fake.Item("orders", orderKey("o1"))["ttl"].(*types.AttributeValueMemberN); !ok || ttl.Value != expires {
		t.Errorf("expected ttl %s to be kept, got %v", expires, ttl)
	}

	o = loadOrder(t, s, "o1")
	if err := s.Delete(context.Background(), o); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Get(context.Background(), &Order{ID: "o1"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

// --- Create / Delete ---

func TestCreate(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	id := uuid.NewString()

	if err := s.Create(context.Background(), &Order{ID: id, Customer: "alice", Status: "open"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	item := fake.Item("orders", orderKey(id))
	if item == nil {
		t.Fatal("expected item to be stored")
	}
	if ref := item["entity_ref"].(*types.AttributeValueMemberS).Value; ref != "order#"+id {
		t.Errorf("expected entity_ref 'order#%s', got %q", id, ref)
	}
	if _, ok := item["created_at"]; !ok {
		t.Error("expected created_at to be set")
	}
	if _, ok := item["CheckSum"]; ok {
		t.Error("expected CheckSum not to be stored")
	}

	// A created entity can be loaded and updated.
	o := loadOrder(t, s, id)
	o.Status = "paid"
	if err := s.Update(context.Background(), o); err != nil {
		t.Errorf("Update after Create failed: %v", err)
	}
}

func TestCreate_AlreadyExists(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))

	err := s.Create(context.Background(), &Order{ID: "o1", Status: "open"})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))

	o := loadOrder(t, s, "o1")
	if err := s.Delete(context.Background(), o); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	item := fake.Item("orders", orderKey("o1"))
	if item == nil {
		t.Fatal("expected soft delete to keep the item")
	}
	if _, ok := item["ttl"]; !ok {
		t.Error("expected ttl to be set")
	}
	if err := s.Get(context.Background(), &Order{ID: "o1"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDelete_StaleCheckSumConflicts(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))

	o := loadOrder(t, s, "o1")
	fake.Seed("orders", orderItem("o1", "alice", "paid", 100))

	err := s.Delete(context.Background(), o)
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
	if _, ok := fake.Item("orders", orderKey("o1"))["ttl"]; ok {
		t.Error("expected row not to be deleted")
	}
}

// --- Unit of Work ---

func TestTx_AllOrNothing(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))
	fake.Seed("orders", orderItem("o2", "alice", "open", 200))

	a := loadOrder(t, s, "o1")
	b := loadOrder(t, s, "o2")
	fake.Seed("orders", orderItem("o2", "alice", "cancelled", 200))

	a.Status = "paid"
	b.Status = "paid"
	tx := s.Begin()
	tx.Update(a)
	tx.Update(b)
	tx.Create(&Order{ID: "o3", Customer: "alice", Status: "open"})

	err := tx.Commit(context.Background())

	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
	if conflict.EntityRef != "order#o2" {
		t.Errorf("expected conflict on order#o2, got %q", conflict.EntityRef)
	}
	if got := storedStatus(t, fake, "o1"); got != "open" {
		t.Errorf("expected o1 untouched, got %q", got)
	}
	if fake.Item("orders", orderKey("o3")) != nil {
		t.Error("expected o3 not to be created")
	}
	if fake.Calls("TransactWriteItems") != 0 {
		t.Error("expected no write to be attempted")
	}
}

func TestTx_LateConflictRollsBack(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))
	fake.Seed("orders", orderItem("o2", "alice", "open", 200))

	a := loadOrder(t, s, "o1")
	b := loadOrder(t, s, "o2")
	fake.BeforeNextWrite(func() {
		fake.Seed("orders", orderItem("o2", "bob", "open", 200))
	})

	a.Status = "paid"
	b.Status = "paid"
	tx := s.Begin()
	tx.Update(a)
	tx.Delete(b)

	err := tx.Commit(context.Background())

	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
	if conflict.EntityRef != "order#o2" {
		t.Errorf("expected conflict on order#o2, got %q", conflict.EntityRef)
	}
	if got := storedStatus(t, fake, "o1"); got != "open" {
		t.Errorf("expected o1 untouched, got %q", got)
	}
}

func TestTx_Commit(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))
	fake.Seed("orders", orderItem("o2", "alice", "open", 200))

	counter := &countingLifecycle{}
	s.Use(counter)

	a := loadOrder(t, s, "o1")
	b := loadOrder(t, s, "o2")
	a.Status = "paid"

	tx := s.Begin()
	tx.Update(a)
	tx.Delete(b)
	tx.Create(&Order{ID: "o3", Customer: "alice", Status: "open"})
	if tx.Len() != 3 {
		t.Errorf("expected 3 staged changes, got %d", tx.Len())
	}

	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if counter.preFlush != 2 {
		t.Errorf("expected OnPreFlush to fire 2 times, got %d", counter.preFlush)
	}
	if fake.Calls("TransactGetItems") != 1 {
		t.Errorf("expected 1 TransactGetItems call, got %d", fake.Calls("TransactGetItems"))
	}
	if fake.Calls("TransactWriteItems") != 1 {
		t.Errorf("expected 1 TransactWriteItems call, got %d", fake.Calls("TransactWriteItems"))
	}
	if got := storedStatus(t, fake, "o1"); got != "paid" {
		t.Errorf("expected o1 'paid', got %q", got)
	}
	if !store.IsDeleted(fake.Item("orders", orderKey("o2"))) {
		t.Error("expected o2 to be deleted")
	}
	if fake.Item("orders", orderKey("o3")) == nil {
		t.Error("expected o3 to be created")
	}
}

func TestTx_CommitTwice(t *testing.T) {
	s, _ := newTestStore(t, store.LockingRequired)

	tx := s.Begin()
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("first Commit failed: %v", err)
	}
	if err := tx.Commit(context.Background()); !errors.Is(err, store.ErrTxDone) {
		t.Errorf("expected ErrTxDone, got %v", err)
	}
}

func TestTx_TooManyItems(t *testing.T) {
	s, _ := newTestStore(t, store.LockingRequired)

	tx := s.Begin()
	for i := 0; i < 101; i++ {
		tx.Create(&Order{ID: fmt.Sprintf("o%d", i)})
	}
	if err := tx.Commit(context.Background()); !errors.Is(err, store.ErrTooManyItems) {
		t.Errorf("expected ErrTooManyItems, got %v", err)
	}
}

// --- Errors ---

func TestConflictError(t *testing.T) {
	err := &store.ConflictError{EntityRef: "order#o1", AsRead: 1, Current: 2}

	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Error("expected ConflictError to match ErrConcurrentModification")
	}
	if err.Error() != "rowlock: row altered by another user - please note changes, cancel and retry" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestConfigurationError(t *testing.T) {
	err := &store.ConfigurationError{EntityType: "order", Err: store.ErrChecksumRequired}

	if !errors.Is(err, store.ErrChecksumRequired) {
		t.Error("expected ConfigurationError to unwrap")
	}
	if errors.Is(err, store.ErrConcurrentModification) {
		t.Error("expected ConfigurationError not to be a conflict")
	}
}

func TestQuery_Descending(t *testing.T) {
	s, fake := newTestStore(t, store.LockingRequired)
	fake.Seed("orders", orderItem("o1", "alice", "open", 100))
	fake.Seed("orders", orderItem("o2", "alice", "open", 200))

	orders, err := store.Query[Order](context.Background(), s, store.QueryInput{
		TableName:              "orders",
		KeyConditionExpression: "#customer = :customer",
		ExpressionAttributeNames: map[string]string{
			"#customer": "customer",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":customer": &types.AttributeValueMemberS{Value: "alice"},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            1,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "o2" {
		t.Errorf("expected [o2], got %+v", orders)
	}
}
