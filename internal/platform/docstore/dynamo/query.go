package dynamo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ehr/fhirstore/internal/platform/docstore"
)

// NewQuery creates a paged query positioned at qc.ContinuationToken.
func (c *Container) NewQuery(qc docstore.QueryContext) docstore.Query {
	q := &query{c: c, qc: qc}
	if qc.ContinuationToken != "" {
		q.startKey, q.err = DecodeContinuationToken(qc.ContinuationToken)
	}
	return q
}

type query struct {
	c        *Container
	qc       docstore.QueryContext
	startKey map[string]types.AttributeValue
	done     bool
	err      error
}

func (q *query) HasMoreResults() bool {
	return !q.done
}

func (q *query) ExecuteNext(ctx context.Context) (*docstore.FeedResponse, error) {
	start := time.Now()
	resp, err := q.executeNext(ctx)
	var charge float64
	if resp != nil {
		charge = resp.RequestCharge
	}
	q.c.observe("query", start, charge, err)
	return resp, err
}

func (q *query) executeNext(ctx context.Context) (*docstore.FeedResponse, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.done {
		return &docstore.FeedResponse{}, nil
	}

	input, err := q.input()
	if err != nil {
		return nil, err
	}
	if err := q.c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := q.c.client.Query(ctx, input)
	if err != nil {
		return nil, translateError(err)
	}

	resp := &docstore.FeedResponse{
		Items:         make([]*docstore.ResourceWrapper, 0, len(out.Items)),
		RequestCharge: capacity(out.ConsumedCapacity),
	}
	for _, item := range out.Items {
		w, err := unmarshalItem(item)
		if err != nil {
			return nil, err
		}
		resp.Items = append(resp.Items, w)
	}

	if len(out.LastEvaluatedKey) == 0 {
		q.done = true
		q.startKey = nil
		return resp, nil
	}
	token, err := EncodeContinuationToken(out.LastEvaluatedKey)
	if err != nil {
		return nil, err
	}
	q.startKey = out.LastEvaluatedKey
	resp.ContinuationToken = token
	return resp, nil
}

func (q *query) input() (*dynamodb.QueryInput, error) {
	def := q.qc.Definition
	if def == nil {
		def = docstore.NewQueryDefinition("")
	}

	values := make(map[string]types.AttributeValue, len(def.Parameters)+1)
	for _, name := range def.ParameterNames() {
		v, err := toAttributeValue(def.Parameters[name])
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		values[name] = v
	}

	keyCondition := def.KeyCondition
	if keyCondition == "" {
		if q.qc.Options.PartitionKey == "" {
			return nil, docstore.NewStatusError(http.StatusBadRequest, "", "query needs a key condition or a partition key")
		}
		keyCondition = docstore.FieldPartitionKey + " = :pk"
		values[":pk"] = &types.AttributeValueMemberS{Value: q.qc.Options.PartitionKey}
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(q.c.table),
		KeyConditionExpression:    aws.String(keyCondition),
		ExpressionAttributeValues: values,
		ExclusiveStartKey:         q.startKey,
		ScanIndexForward:          aws.Bool(!def.Descending),
		ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
	}
	if def.IndexName != "" {
		input.IndexName = aws.String(def.IndexName)
	} else {
		input.ConsistentRead = aws.Bool(true)
	}
	if def.Filter != "" {
		input.FilterExpression = aws.String(def.Filter)
	}
	if n := q.qc.Options.MaxItemCount; n != nil && *n > 0 {
		input.Limit = aws.Int32(int32(*n))
	}
	return input, nil
}

// EncodeContinuationToken serializes a LastEvaluatedKey as an opaque
// URL-safe token. Key attributes are always strings in this table.
func EncodeContinuationToken(key map[string]types.AttributeValue) (string, error) {
	plain := make(map[string]string, len(key))
	for name, v := range key {
		s, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return "", fmt.Errorf("continuation key attribute %s is %T, want string", name, v)
		}
		plain[name] = s.Value
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return "", fmt.Errorf("encoding continuation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeContinuationToken reverses EncodeContinuationToken. A malformed token
// is a 400.
func DecodeContinuationToken(token string) (map[string]types.AttributeValue, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, &docstore.StatusError{StatusCode: http.StatusBadRequest, Message: "malformed continuation token", Err: err}
	}
	var plain map[string]string
	if err := json.Unmarshal(data, &plain); err != nil || len(plain) == 0 {
		return nil, &docstore.StatusError{StatusCode: http.StatusBadRequest, Message: "malformed continuation token", Err: err}
	}
	key := make(map[string]types.AttributeValue, len(plain))
	for name, v := range plain {
		key[name] = &types.AttributeValueMemberS{Value: v}
	}
	return key, nil
}
