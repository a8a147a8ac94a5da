// Package dynamo implements docstore.Container on Amazon DynamoDB.
//
// Every version of a resource lives in one partition:
//
//	pk = "<type>/<id>"   sk = "_current"        live or deleted current version
//	pk = "<type>/<id>"   sk = "v#0000000003"    archived history version
//
// Multi-document procedures (upsert with history, hard delete) run as
// TransactWriteItems so the current document and its history change together.
// The sparse global secondary index docstore.IndexByType (hash currentType,
// range resourceId) serves type listings.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/fhirstore/internal/platform/docstore"
	"github.com/ehr/fhirstore/internal/platform/metrics"
)

// maxTransactItems is DynamoDB's per-transaction item limit.
const maxTransactItems = 100

// DDBClient is the subset of the DynamoDB API the container uses.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Options configures a Container.
type Options struct {
	TableName string
	// RequestsPerSecond paces calls on the client side. Zero disables pacing.
	RequestsPerSecond float64
}

// Container is a DynamoDB-backed docstore.Container.
type Container struct {
	client  DDBClient
	table   string
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

var _ docstore.Container = (*Container)(nil)

// NewContainer creates a container over the given table.
func NewContainer(client DDBClient, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Container {
	c := &Container{
		client:  client,
		table:   opts.TableName,
		metrics: m,
		logger:  logger.With().Str("component", "dynamo").Str("table", opts.TableName).Logger(),
		now:     time.Now,
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

// TableName returns the backing table name.
func (c *Container) TableName() string { return c.table }

// wait blocks until the client-side request budget admits one call. When the
// next token would only arrive after ctx's deadline the returned error wraps
// context.DeadlineExceeded, so callers treat it like an elapsed deadline.
func (c *Container) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: request budget: %v", context.DeadlineExceeded, err)
	}
	return nil
}

// observe records the outcome of one container operation.
func (c *Container) observe(operation string, start time.Time, charge float64, err error) {
	status := "ok"
	if err != nil {
		if code := docstore.StatusCode(err); code != 0 {
			status = strconv.Itoa(code)
		} else {
			status = "error"
		}
	}
	c.metrics.RecordOperation(operation, status, time.Since(start), charge)
}

func (c *Container) consistentGet(ctx context.Context, key map[string]types.AttributeValue) (map[string]types.AttributeValue, float64, error) {
	if err := c.wait(ctx); err != nil {
		return nil, 0, err
	}
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:              aws.String(c.table),
		Key:                    key,
		ConsistentRead:         aws.Bool(true),
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		return nil, 0, translateError(err)
	}
	return out.Item, capacity(out.ConsumedCapacity), nil
}

func capacity(cc *types.ConsumedCapacity) float64 {
	if cc == nil || cc.CapacityUnits == nil {
		return 0
	}
	return *cc.CapacityUnits
}

func totalCapacity(ccs []types.ConsumedCapacity) float64 {
	var total float64
	for i := range ccs {
		total += capacity(&ccs[i])
	}
	return total
}

// CreateTable creates the table and its type index when they do not exist.
func (c *Container) CreateTable(ctx context.Context) error {
	_, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.table)})
	if err == nil {
		c.logger.Info().Msg("table already exists")
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return translateError(err)
	}

	_, err = c.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(c.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(docstore.FieldPartitionKey), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(docstore.FieldSortKey), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(docstore.FieldCurrentType), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(docstore.FieldResourceID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(docstore.FieldPartitionKey), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(docstore.FieldSortKey), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(docstore.IndexByType),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(docstore.FieldCurrentType), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String(docstore.FieldResourceID), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return translateError(err)
	}
	c.logger.Info().Msg("table created")
	return nil
}

// Ping checks that the table is reachable.
func (c *Container) Ping(ctx context.Context) error {
	out, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.table)})
	if err != nil {
		return translateError(err)
	}
	if out.Table != nil && out.Table.TableStatus != types.TableStatusActive && out.Table.TableStatus != types.TableStatusUpdating {
		return docstore.NewStatusError(http.StatusServiceUnavailable, "TableNotActive", "table %s is %s", c.table, out.Table.TableStatus)
	}
	return nil
}
