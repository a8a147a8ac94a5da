package dynamo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ehr/fhirstore/internal/platform/docstore"
)

// UpsertWithHistory writes a new current version and, when keepHistory is set,
// archives the replaced version in the same transaction. The stored version is
// read first and the transaction is conditioned on it, so a concurrent writer
// surfaces as a precondition failure.
func (c *Container) UpsertWithHistory(ctx context.Context, wrapper *docstore.ResourceWrapper, version string, allowCreate, keepHistory bool) (*docstore.UpsertResult, error) {
	start := time.Now()
	result, charge, err := c.upsertWithHistory(ctx, wrapper, version, allowCreate, keepHistory)
	c.observe("upsert", start, charge, err)
	return result, err
}

func (c *Container) upsertWithHistory(ctx context.Context, wrapper *docstore.ResourceWrapper, version string, allowCreate, keepHistory bool) (*docstore.UpsertResult, float64, error) {
	pk := wrapper.ToPartitionKey()
	item, charge, err := c.consistentGet(ctx, currentKey(pk))
	if err != nil {
		return nil, charge, err
	}

	var existing *docstore.ResourceWrapper
	if len(item) > 0 {
		if existing, err = unmarshalItem(item); err != nil {
			return nil, charge, err
		}
	}

	if existing != nil && version != "" && existing.Version != version {
		return nil, charge, docstore.NewStatusError(http.StatusPreconditionFailed, "",
			"%s is at version %s, not %s", pk, existing.Version, version)
	}

	outcome := docstore.SaveOutcomeUpdated
	switch {
	case existing == nil:
		if version != "" {
			return nil, charge, docstore.NewStatusError(http.StatusNotFound, "", "%s not found at version %s", pk, version)
		}
		if wrapper.IsDeleted || !allowCreate {
			return nil, charge, docstore.NewStatusError(http.StatusNotFound, "", "%s not found", pk)
		}
		outcome = docstore.SaveOutcomeCreated
	case existing.IsDeleted:
		if wrapper.IsDeleted || (!allowCreate && version == "") {
			return nil, charge, docstore.NewStatusError(http.StatusNotFound, "", "%s is deleted", pk)
		}
		outcome = docstore.SaveOutcomeCreated
	}

	next := wrapper.Clone()
	next.IsHistory = false
	next.LastModified = c.now().UTC()
	if existing == nil {
		next.Version = "1"
	} else if next.Version, err = nextVersion(existing.Version); err != nil {
		return nil, charge, err
	}

	current, err := marshalItem(next, currentSortKey)
	if err != nil {
		return nil, charge, err
	}

	put := &types.Put{TableName: aws.String(c.table), Item: current}
	if existing == nil {
		put.ConditionExpression = aws.String("attribute_not_exists(" + docstore.FieldPartitionKey + ")")
	} else {
		put.ConditionExpression = aws.String(docstore.FieldResourceVersion + " = :expected")
		put.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: existing.Version},
		}
	}
	items := []types.TransactWriteItem{{Put: put}}

	if existing != nil && keepHistory {
		archived := existing.Clone()
		archived.IsHistory = true
		history, err := marshalItem(archived, historySortKey(existing.Version))
		if err != nil {
			return nil, charge, err
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(c.table),
			Item:                history,
			ConditionExpression: aws.String("attribute_not_exists(" + docstore.FieldPartitionKey + ")"),
		}})
	}

	txCharge, err := c.transact(ctx, items)
	charge += txCharge
	if err != nil {
		return nil, charge, err
	}

	return &docstore.UpsertResult{Wrapper: next, OutcomeType: outcome, RequestCharge: charge}, charge, nil
}

// HardDelete removes every document in the resource's partition in one
// transaction. A partition larger than one transaction allows fails with 413
// and nothing is removed.
func (c *Container) HardDelete(ctx context.Context, key docstore.ResourceKey) (*docstore.HardDeleteResult, error) {
	start := time.Now()
	result, err := c.hardDelete(ctx, key)
	var charge float64
	if result != nil {
		charge = result.RequestCharge
	}
	c.observe("hard_delete", start, charge, err)
	return result, err
}

func (c *Container) hardDelete(ctx context.Context, key docstore.ResourceKey) (*docstore.HardDeleteResult, error) {
	pk := key.ToPartitionKey()
	result := &docstore.HardDeleteResult{}

	var (
		keys      []map[string]types.AttributeValue
		startKey  map[string]types.AttributeValue
		projected = docstore.FieldPartitionKey + ", " + docstore.FieldSortKey + ", " + docstore.FieldResourceVersion
	)
	for {
		if err := c.wait(ctx); err != nil {
			return result, err
		}
		out, err := c.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.table),
			KeyConditionExpression: aws.String(docstore.FieldPartitionKey + " = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ProjectionExpression:   aws.String(projected),
			ConsistentRead:         aws.Bool(true),
			ExclusiveStartKey:      startKey,
			ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
		})
		if err != nil {
			return result, translateError(err)
		}
		result.RequestCharge += capacity(out.ConsumedCapacity)
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{
				docstore.FieldPartitionKey: item[docstore.FieldPartitionKey],
				docstore.FieldSortKey:      item[docstore.FieldSortKey],
			})
			id := key.ResourceType + "/" + key.ID
			if stringAttr(item, docstore.FieldSortKey) != currentSortKey {
				id += "/_history/" + stringAttr(item, docstore.FieldResourceVersion)
			}
			result.DeletedIDs = append(result.DeletedIDs, id)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	if len(keys) == 0 {
		return result, nil
	}
	if len(keys) > maxTransactItems {
		result.DeletedIDs = nil
		return result, docstore.NewStatusError(http.StatusRequestEntityTooLarge, "TransactionTooLarge",
			"%s has %d documents, a transaction holds at most %d", pk, len(keys), maxTransactItems)
	}

	items := make([]types.TransactWriteItem, 0, len(keys))
	for _, k := range keys {
		items = append(items, types.TransactWriteItem{Delete: &types.Delete{
			TableName: aws.String(c.table),
			Key:       k,
		}})
	}
	txCharge, err := c.transact(ctx, items)
	result.RequestCharge += txCharge
	if err != nil {
		result.DeletedIDs = nil
		return result, err
	}
	return result, nil
}

// ReplaceSingleResource overwrites the search index fields of the current
// document in place. The stored version must equal version.
func (c *Container) ReplaceSingleResource(ctx context.Context, wrapper *docstore.ResourceWrapper, version string) (*docstore.ResourceWrapper, error) {
	start := time.Now()
	result, charge, err := c.replaceSingleResource(ctx, wrapper, version)
	c.observe("replace", start, charge, err)
	return result, err
}

func (c *Container) replaceSingleResource(ctx context.Context, wrapper *docstore.ResourceWrapper, version string) (*docstore.ResourceWrapper, float64, error) {
	fields := make(map[string]types.AttributeValue, 3)
	if err := putSearchFields(fields, wrapper); err != nil {
		return nil, 0, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, 0, err
	}

	out, err := c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.table),
		Key:       currentKey(wrapper.ToPartitionKey()),
		UpdateExpression: aws.String(fmt.Sprintf("SET %s = :indices, %s = :sort, %s = :hash",
			docstore.FieldSearchIndices, docstore.FieldSortValues, docstore.FieldSearchParameterHash)),
		ConditionExpression: aws.String(fmt.Sprintf("attribute_exists(%s) AND %s = :expected",
			docstore.FieldPartitionKey, docstore.FieldResourceVersion)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":indices":  fields[docstore.FieldSearchIndices],
			":sort":     fields[docstore.FieldSortValues],
			":hash":     fields[docstore.FieldSearchParameterHash],
			":expected": &types.AttributeValueMemberS{Value: version},
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		ReturnConsumedCapacity:              types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		// The old item comes back only when the document exists, which
		// separates a missing resource from a stale version.
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) && len(condFailed.Item) == 0 {
			return nil, 0, &docstore.StatusError{
				StatusCode: http.StatusNotFound,
				Code:       "ConditionalCheckFailed",
				Message:    wrapper.ToPartitionKey() + " not found",
				Err:        err,
			}
		}
		return nil, 0, translateError(err)
	}

	updated, err := unmarshalItem(out.Attributes)
	if err != nil {
		return nil, capacity(out.ConsumedCapacity), err
	}
	return updated, capacity(out.ConsumedCapacity), nil
}

// ReadItem point-reads the current document. A missing document is a 404.
func (c *Container) ReadItem(ctx context.Context, key docstore.ResourceKey) (*docstore.ResourceWrapper, error) {
	start := time.Now()
	item, charge, err := c.consistentGet(ctx, currentKey(key.ToPartitionKey()))
	if err == nil && len(item) == 0 {
		err = docstore.NewStatusError(http.StatusNotFound, "", "%s not found", key.ToPartitionKey())
	}
	c.observe("read", start, charge, err)
	if err != nil {
		return nil, err
	}
	return unmarshalItem(item)
}

func (c *Container) transact(ctx context.Context, items []types.TransactWriteItem) (float64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	out, err := c.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems:          items,
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		return 0, translateError(err)
	}
	return totalCapacity(out.ConsumedCapacity), nil
}
