package dynamo

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ehr/fhirstore/internal/platform/docstore"
)

// mockDDBClient is an in-memory DynamoDB table that understands the
// expressions the container emits.
type mockDDBClient struct {
	mu      sync.Mutex
	items   map[string]map[string]map[string]types.AttributeValue // pk -> sk -> item
	created bool
	errs    map[string][]error
	calls   map[string]int
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{
		items: make(map[string]map[string]map[string]types.AttributeValue),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

// failNext queues an error for the next call of op.
func (m *mockDDBClient) failNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = append(m.errs[op], err)
}

func (m *mockDDBClient) popErr(op string) error {
	m.calls[op]++
	queue := m.errs[op]
	if len(queue) == 0 {
		return nil
	}
	m.errs[op] = queue[1:]
	return queue[0]
}

func (m *mockDDBClient) get(pk, sk string) map[string]types.AttributeValue {
	if part, ok := m.items[pk]; ok {
		return part[sk]
	}
	return nil
}

func (m *mockDDBClient) put(item map[string]types.AttributeValue) {
	pk := stringAttr(item, docstore.FieldPartitionKey)
	sk := stringAttr(item, docstore.FieldSortKey)
	if m.items[pk] == nil {
		m.items[pk] = make(map[string]map[string]types.AttributeValue)
	}
	m.items[pk][sk] = item
}

func (m *mockDDBClient) remove(key map[string]types.AttributeValue) {
	pk := stringAttr(key, docstore.FieldPartitionKey)
	sk := stringAttr(key, docstore.FieldSortKey)
	delete(m.items[pk], sk)
	if len(m.items[pk]) == 0 {
		delete(m.items, pk)
	}
}

func (m *mockDDBClient) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, part := range m.items {
		n += len(part)
	}
	return n
}

// check evaluates the condition forms the container uses.
func check(cond *string, existing map[string]types.AttributeValue, values map[string]types.AttributeValue) bool {
	if cond == nil {
		return true
	}
	for _, clause := range strings.Split(*cond, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_not_exists("):
			if existing != nil {
				return false
			}
		case strings.HasPrefix(clause, "attribute_exists("):
			if existing == nil {
				return false
			}
		default:
			if !matchEquals(clause, existing, values) {
				return false
			}
		}
	}
	return true
}

func matchEquals(clause string, item, values map[string]types.AttributeValue) bool {
	if item == nil {
		return false
	}
	parts := strings.SplitN(clause, " = ", 2)
	if len(parts) != 2 {
		return false
	}
	want, ok := values[strings.TrimSpace(parts[1])]
	if !ok {
		return false
	}
	got, ok := item[strings.TrimSpace(parts[0])]
	if !ok {
		return false
	}
	switch w := want.(type) {
	case *types.AttributeValueMemberS:
		g, ok := got.(*types.AttributeValueMemberS)
		return ok && g.Value == w.Value
	case *types.AttributeValueMemberBOOL:
		g, ok := got.(*types.AttributeValueMemberBOOL)
		return ok && g.Value == w.Value
	case *types.AttributeValueMemberN:
		g, ok := got.(*types.AttributeValueMemberN)
		return ok && g.Value == w.Value
	}
	return false
}

func (m *mockDDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("GetItem"); err != nil {
		return nil, err
	}
	item := m.get(stringAttr(params.Key, docstore.FieldPartitionKey), stringAttr(params.Key, docstore.FieldSortKey))
	return &dynamodb.GetItemOutput{
		Item:             item,
		ConsumedCapacity: &types.ConsumedCapacity{CapacityUnits: aws.Float64(1)},
	}, nil
}

func (m *mockDDBClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("UpdateItem"); err != nil {
		return nil, err
	}
	pk := stringAttr(params.Key, docstore.FieldPartitionKey)
	sk := stringAttr(params.Key, docstore.FieldSortKey)
	existing := m.get(pk, sk)
	if !check(params.ConditionExpression, existing, params.ExpressionAttributeValues) {
		exc := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		if params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			exc.Item = existing
		}
		return nil, exc
	}

	updated := make(map[string]types.AttributeValue, len(existing))
	for k, v := range existing {
		updated[k] = v
	}
	for k, v := range params.Key {
		updated[k] = v
	}
	assignments := strings.TrimPrefix(aws.ToString(params.UpdateExpression), "SET ")
	for _, a := range strings.Split(assignments, ",") {
		parts := strings.SplitN(strings.TrimSpace(a), " = ", 2)
		updated[parts[0]] = params.ExpressionAttributeValues[parts[1]]
	}
	m.put(updated)
	return &dynamodb.UpdateItemOutput{
		Attributes:       updated,
		ConsumedCapacity: &types.ConsumedCapacity{CapacityUnits: aws.Float64(1)},
	}, nil
}

func (m *mockDDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("Query"); err != nil {
		return nil, err
	}

	rangeKey := docstore.FieldSortKey
	if params.IndexName != nil {
		rangeKey = docstore.FieldResourceID
	}

	var candidates []map[string]types.AttributeValue
	for _, part := range m.items {
		for _, item := range part {
			if matchEquals(aws.ToString(params.KeyConditionExpression), item, params.ExpressionAttributeValues) {
				candidates = append(candidates, item)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := stringAttr(candidates[i], rangeKey), stringAttr(candidates[j], rangeKey)
		if a == b {
			return stringAttr(candidates[i], docstore.FieldPartitionKey) < stringAttr(candidates[j], docstore.FieldPartitionKey)
		}
		if params.ScanIndexForward != nil && !*params.ScanIndexForward {
			return a > b
		}
		return a < b
	})

	if params.ExclusiveStartKey != nil {
		startPK := stringAttr(params.ExclusiveStartKey, docstore.FieldPartitionKey)
		startSK := stringAttr(params.ExclusiveStartKey, docstore.FieldSortKey)
		for i, item := range candidates {
			if stringAttr(item, docstore.FieldPartitionKey) == startPK && stringAttr(item, docstore.FieldSortKey) == startSK {
				candidates = candidates[i+1:]
				break
			}
		}
	}

	// Limit counts evaluated items before the filter, as DynamoDB does.
	var lastEvaluated map[string]types.AttributeValue
	if params.Limit != nil && int(*params.Limit) < len(candidates) {
		candidates = candidates[:*params.Limit]
		last := candidates[len(candidates)-1]
		lastEvaluated = map[string]types.AttributeValue{
			docstore.FieldPartitionKey: last[docstore.FieldPartitionKey],
			docstore.FieldSortKey:      last[docstore.FieldSortKey],
		}
		if params.IndexName != nil {
			lastEvaluated[docstore.FieldCurrentType] = last[docstore.FieldCurrentType]
			lastEvaluated[docstore.FieldResourceID] = last[docstore.FieldResourceID]
		}
	}

	out := &dynamodb.QueryOutput{
		LastEvaluatedKey: lastEvaluated,
		ConsumedCapacity: &types.ConsumedCapacity{CapacityUnits: aws.Float64(float64(len(candidates)) * 0.5)},
	}
	for _, item := range candidates {
		if params.FilterExpression != nil && !matchEquals(*params.FilterExpression, item, params.ExpressionAttributeValues) {
			continue
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (m *mockDDBClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("TransactWriteItems"); err != nil {
		return nil, err
	}
	if len(params.TransactItems) > maxTransactItems {
		return nil, &types.TransactionCanceledException{Message: aws.String("too many items")}
	}

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	for i, ti := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if ti.Put == nil {
			continue
		}
		existing := m.get(stringAttr(ti.Put.Item, docstore.FieldPartitionKey), stringAttr(ti.Put.Item, docstore.FieldSortKey))
		if !check(ti.Put.ConditionExpression, existing, ti.Put.ExpressionAttributeValues) {
			reasons[i] = types.CancellationReason{Code: aws.String(reasonConditionalCheckFailed)}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range params.TransactItems {
		switch {
		case ti.Put != nil:
			m.put(ti.Put.Item)
		case ti.Delete != nil:
			m.remove(ti.Delete.Key)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{
		ConsumedCapacity: []types.ConsumedCapacity{{CapacityUnits: aws.Float64(float64(2 * len(params.TransactItems)))}},
	}, nil
}

func (m *mockDDBClient) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("CreateTable"); err != nil {
		return nil, err
	}
	if m.created {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists")}
	}
	m.created = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (m *mockDDBClient) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("DescribeTable"); err != nil {
		return nil, err
	}
	if !m.created {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   params.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}
