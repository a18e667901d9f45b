package ontology

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI is the subset of the DynamoDB client in use.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoDBLookup reads mappings from a table keyed by entity_text (hash) and
// entity_type (range).
type DynamoDBLookup struct {
	api   DynamoDBAPI
	table string
}

func NewDynamoDBLookup(api DynamoDBAPI, table string) *DynamoDBLookup {
	return &DynamoDBLookup{api: api, table: table}
}

func (d *DynamoDBLookup) Lookup(ctx context.Context, text, category string) (*Mapping, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"entity_text": &types.AttributeValueMemberS{Value: text},
			"entity_type": &types.AttributeValueMemberS{Value: category},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ontology get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var m Mapping
	if err := attributevalue.UnmarshalMap(out.Item, &m); err != nil {
		return nil, fmt.Errorf("ontology decode item: %w", err)
	}
	return &m, nil
}
