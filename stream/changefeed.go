// Package stream publishes row checksum changes from DynamoDB Streams.
//
// The handler fingerprints each new stream image with the same schema the
// store uses, so a published checksum is exactly what a client would get by
// loading the row. API servers can use it to tell a client its copy is stale
// before it submits an update.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/rowlock/store"
)

// Baseline is the checksum of a row after a change.
type Baseline struct {
	Table      string
	EntityType string
	EntityRef  string
	Key        store.PK

	// Previous is the checksum before the change. Zero for inserts.
	Previous store.Fingerprint

	// Current is the checksum after the change. Zero when Deleted.
	Current store.Fingerprint

	// Deleted is set for removed rows and rows whose TTL was just set.
	Deleted bool
}

// Notifier receives baselines.
type Notifier interface {
	Publish(ctx context.Context, b Baseline) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, b Baseline) error

// Publish calls f.
func (f NotifierFunc) Publish(ctx context.Context, b Baseline) error { return f(ctx, b) }

// Handler processes DynamoDB stream events into baselines.
type Handler struct {
	registry *store.Registry
	notifier Notifier
	logger   *slog.Logger
}

// NewHandler creates a new stream handler. Only tables with a schema in
// registry are processed.
func NewHandler(registry *store.Registry, notifier Notifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = store.NewRegistry()
	}
	return &Handler{
		registry: registry,
		notifier: notifier,
		logger:   logger,
	}
}

// HandleChanges processes DynamoDB stream events and publishes a baseline for
// every row whose checksum changed.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleChanges(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	table := tableFromARN(record.EventSourceArn)
	schema, err := h.registry.LookupTable(table)
	if errors.Is(err, store.ErrSchemaUnavailable) {
		h.logger.Debug("no schema for table, skipping",
			"table", table,
			"eventID", record.EventID,
		)
		return nil
	}
	if err != nil {
		return err
	}

	oldImage := record.Change.OldImage
	newImage := record.Change.NewImage

	b := Baseline{
		Table:      table,
		EntityType: schema.EntityType,
		Key:        ConvertStreamKey(record.Change.Keys),
	}

	switch record.EventName {
	case "INSERT", "MODIFY":
		if len(newImage) == 0 {
			return fmt.Errorf("record %s has no new image; the stream must include NEW_AND_OLD_IMAGES", record.EventID)
		}
		b.EntityRef = getStringAttr(newImage, "entity_ref")
		if len(oldImage) > 0 {
			b.Previous = store.NewSnapshot(schema, ConvertImage(oldImage)).Fingerprint()
		}

		// A newly set TTL is a soft delete.
		_, hadTTL := oldImage["ttl"]
		_, hasTTL := newImage["ttl"]
		if !hadTTL && hasTTL {
			h.logger.Debug("soft delete",
				"entityRef", b.EntityRef,
				"ttl", getNumberAttr(newImage, "ttl"),
			)
			b.Deleted = true
			break
		}

		b.Current = store.NewSnapshot(schema, ConvertImage(newImage)).Fingerprint()
		if record.EventName == "MODIFY" && b.Current == b.Previous {
			h.logger.Debug("checksum unchanged",
				"entityRef", b.EntityRef,
				"checksum", b.Current,
			)
			return nil
		}
	case "REMOVE":
		b.EntityRef = getStringAttr(oldImage, "entity_ref")
		if len(oldImage) > 0 {
			b.Previous = store.NewSnapshot(schema, ConvertImage(oldImage)).Fingerprint()
		}
		b.Deleted = true
	default:
		return nil
	}
	if b.EntityRef == "" {
		b.EntityRef = table + "#" + keyString(b.Key)
	}

	h.logger.Info("publishing baseline",
		"entityRef", b.EntityRef,
		"previous", b.Previous,
		"current", b.Current,
		"deleted", b.Deleted,
	)
	if err := h.notifier.Publish(ctx, b); err != nil {
		return fmt.Errorf("publish %s: %w", b.EntityRef, err)
	}
	return nil
}
