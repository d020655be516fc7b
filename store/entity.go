package store

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PK represents a DynamoDB primary key.
type PK map[string]types.AttributeValue

// Entity is the base interface for all storable types.
type Entity interface {
	// TableName returns the DynamoDB table name for this entity type.
	TableName() string

	// GetKey returns the primary key for this entity.
	GetKey() PK

	// EntityRef returns the type-qualified reference (e.g., "order#uuid").
	EntityRef() string

	// EntityType returns the entity type name (e.g., "order").
	EntityType() string
}

// Managed attributes written by the store. They never take part in a checksum.
const (
	attrEntityRef = "entity_ref"
	attrCreatedAt = "created_at"
	attrUpdatedAt = "updated_at"
	attrTTL       = "ttl"
)

func isManagedAttr(name string) bool {
	switch name {
	case attrEntityRef, attrCreatedAt, attrUpdatedAt, attrTTL:
		return true
	}
	return false
}

// QueryInput defines parameters for querying entities.
type QueryInput struct {
	// TableName is the DynamoDB table to query.
	TableName string

	// IndexName is the optional GSI/LSI to query.
	IndexName string

	// KeyConditionExpression is the DynamoDB key condition.
	KeyConditionExpression string

	// FilterExpression is an optional filter (TTL filter is automatically merged).
	FilterExpression string

	// ExpressionAttributeNames maps expression attribute name placeholders.
	ExpressionAttributeNames map[string]string

	// ExpressionAttributeValues maps expression attribute value placeholders.
	ExpressionAttributeValues map[string]types.AttributeValue

	// Limit is the maximum number of items to return (0 = no limit).
	Limit int32

	// ScanIndexForward determines sort order (true = ascending, false = descending).
	ScanIndexForward *bool
}
