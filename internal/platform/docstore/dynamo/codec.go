package dynamo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/klauspost/compress/zstd"

	"github.com/ehr/fhirstore/internal/platform/docstore"
)

const currentSortKey = "_current"

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// historySortKey orders history documents by numeric version.
func historySortKey(version string) string {
	if n, err := strconv.ParseInt(version, 10, 64); err == nil {
		return fmt.Sprintf("v#%010d", n)
	}
	return "v#" + version
}

func currentKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		docstore.FieldPartitionKey: &types.AttributeValueMemberS{Value: pk},
		docstore.FieldSortKey:      &types.AttributeValueMemberS{Value: currentSortKey},
	}
}

// nextVersion returns the version following current, or "1" for a new resource.
func nextVersion(current string) (string, error) {
	if current == "" {
		return "1", nil
	}
	n, err := strconv.ParseInt(current, 10, 64)
	if err != nil {
		return "", fmt.Errorf("stored version %q is not numeric: %w", current, err)
	}
	return strconv.FormatInt(n+1, 10), nil
}

// marshalItem encodes a wrapper as a DynamoDB item under the given sort key.
func marshalItem(w *docstore.ResourceWrapper, sk string) (map[string]types.AttributeValue, error) {
	item := map[string]types.AttributeValue{
		docstore.FieldPartitionKey:    &types.AttributeValueMemberS{Value: w.ToPartitionKey()},
		docstore.FieldSortKey:         &types.AttributeValueMemberS{Value: sk},
		docstore.FieldResourceType:    &types.AttributeValueMemberS{Value: w.ResourceTypeName},
		docstore.FieldResourceID:      &types.AttributeValueMemberS{Value: w.ResourceID},
		docstore.FieldResourceVersion: &types.AttributeValueMemberS{Value: w.Version},
		docstore.FieldIsDeleted:       &types.AttributeValueMemberBOOL{Value: w.IsDeleted},
		docstore.FieldIsHistory:       &types.AttributeValueMemberBOOL{Value: w.IsHistory},
		docstore.FieldLastModified:    &types.AttributeValueMemberS{Value: w.LastModified.UTC().Format(time.RFC3339Nano)},
	}
	if sk == currentSortKey && !w.IsDeleted {
		item[docstore.FieldCurrentType] = &types.AttributeValueMemberS{Value: w.ResourceTypeName}
	}
	if len(w.RawResource) > 0 {
		item[docstore.FieldRawResource] = &types.AttributeValueMemberB{Value: encoder.EncodeAll(w.RawResource, nil)}
	}
	if err := putSearchFields(item, w); err != nil {
		return nil, err
	}
	return item, nil
}

// putSearchFields writes the fields a search-index replace touches.
func putSearchFields(item map[string]types.AttributeValue, w *docstore.ResourceWrapper) error {
	indices, err := json.Marshal(w.SearchIndices)
	if err != nil {
		return fmt.Errorf("encoding search indices: %w", err)
	}
	sortValues, err := json.Marshal(w.SortValues)
	if err != nil {
		return fmt.Errorf("encoding sort values: %w", err)
	}
	item[docstore.FieldSearchIndices] = &types.AttributeValueMemberS{Value: string(indices)}
	item[docstore.FieldSortValues] = &types.AttributeValueMemberS{Value: string(sortValues)}
	item[docstore.FieldSearchParameterHash] = &types.AttributeValueMemberS{Value: w.SearchParameterHash}
	return nil
}

// unmarshalItem decodes a DynamoDB item into a wrapper.
func unmarshalItem(item map[string]types.AttributeValue) (*docstore.ResourceWrapper, error) {
	w := &docstore.ResourceWrapper{
		ResourceTypeName:    stringAttr(item, docstore.FieldResourceType),
		ResourceID:          stringAttr(item, docstore.FieldResourceID),
		Version:             stringAttr(item, docstore.FieldResourceVersion),
		IsDeleted:           boolAttr(item, docstore.FieldIsDeleted),
		IsHistory:           boolAttr(item, docstore.FieldIsHistory),
		SearchParameterHash: stringAttr(item, docstore.FieldSearchParameterHash),
	}

	if s := stringAttr(item, docstore.FieldLastModified); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("decoding lastModified of %s: %w", w.ToPartitionKey(), err)
		}
		w.LastModified = t
	}

	if b, ok := item[docstore.FieldRawResource].(*types.AttributeValueMemberB); ok && len(b.Value) > 0 {
		raw, err := decoder.DecodeAll(b.Value, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", w.ToPartitionKey(), err)
		}
		w.RawResource = raw
	}

	if s := stringAttr(item, docstore.FieldSearchIndices); s != "" {
		if err := json.Unmarshal([]byte(s), &w.SearchIndices); err != nil {
			return nil, fmt.Errorf("decoding search indices of %s: %w", w.ToPartitionKey(), err)
		}
	}
	if s := stringAttr(item, docstore.FieldSortValues); s != "" {
		if err := json.Unmarshal([]byte(s), &w.SortValues); err != nil {
			return nil, fmt.Errorf("decoding sort values of %s: %w", w.ToPartitionKey(), err)
		}
	}
	return w, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func boolAttr(item map[string]types.AttributeValue, name string) bool {
	if v, ok := item[name].(*types.AttributeValueMemberBOOL); ok {
		return v.Value
	}
	return false
}

// toAttributeValue converts a query parameter into an attribute value.
func toAttributeValue(v any) (types.AttributeValue, error) {
	switch x := v.(type) {
	case types.AttributeValue:
		return x, nil
	case string:
		return &types.AttributeValueMemberS{Value: x}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: x}, nil
	case int:
		return &types.AttributeValueMemberN{Value: strconv.Itoa(x)}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(x, 10)}, nil
	case float64:
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(x, 'f', -1, 64)}, nil
	case []byte:
		return &types.AttributeValueMemberB{Value: x}, nil
	default:
		return nil, fmt.Errorf("unsupported query parameter type %T", v)
	}
}
