package docstore

// Document field names referenced by query expressions.
const (
	FieldPartitionKey        = "pk"
	FieldSortKey             = "sk"
	FieldResourceType        = "resourceType"
	FieldResourceID          = "resourceId"
	FieldResourceVersion     = "resourceVersion"
	FieldIsDeleted           = "isDeleted"
	FieldIsHistory           = "isHistory"
	FieldLastModified        = "lastModified"
	FieldRawResource         = "rawResource"
	FieldSearchIndices       = "searchIndices"
	FieldSortValues          = "sortValues"
	FieldSearchParameterHash = "searchParameterHash"

	// FieldCurrentType is set only on live current documents, which keeps the
	// type index sparse.
	FieldCurrentType = "currentType"
)

// IndexByType lists live current documents of one resource type ordered by id.
const IndexByType = "currentType-index"
