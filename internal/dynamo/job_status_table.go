// Package dynamo stores job status records in a DynamoDB table keyed by
// jobId. Attribute names follow the JSON names of types.JobRecord.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"bulkmail/internal/types"
)

// DynamoAPI is the subset of the DynamoDB client used by JobStatusTable.
type DynamoAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// timestampAttr maps a status to the attribute recording when it was reached.
var timestampAttr = map[types.JobStatus]string{
	types.JobStatusQueued:     "queuedAt",
	types.JobStatusProcessing: "startedAt",
	types.JobStatusCompleted:  "completedAt",
	types.JobStatusFailed:     "failedAt",
}

func encodeJSONTags(o *attributevalue.EncoderOptions) { o.TagKey = "json" }
func decodeJSONTags(o *attributevalue.DecoderOptions) { o.TagKey = "json" }

// JobStatusTable is a StatusStore over DynamoDB. Transitions are enforced with
// a condition expression on the current status, and each timestamp is
// written with if_not_exists.
type JobStatusTable struct {
	client DynamoAPI
	table  string
}

// NewJobStatusTable creates a JobStatusTable for the named table.
func NewJobStatusTable(client DynamoAPI, table string) *JobStatusTable {
	return &JobStatusTable{client: client, table: table}
}

// Upsert advances jobID to status. A failed condition check means the record
// is already at or past status and is reported as applied=false.
func (t *JobStatusTable) Upsert(ctx context.Context, jobID string, status types.JobStatus, fields types.StatusFields) (bool, error) {
	tsAttr, ok := timestampAttr[status]
	if !ok {
		return false, types.NewAppError(types.ErrCodeValidationInvalidStatus, "unknown job status "+string(status), nil)
	}

	at := fields.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	stamp := at.Format(time.RFC3339Nano)

	u := newUpdate()
	u.set("status", &dbtypes.AttributeValueMemberS{Value: string(status)})
	u.set("updatedAt", &dbtypes.AttributeValueMemberS{Value: stamp})
	u.setOnce(tsAttr, &dbtypes.AttributeValueMemberS{Value: stamp})

	if fields.TotalRecipients != nil {
		u.set("totalRecipients", &dbtypes.AttributeValueMemberN{Value: fmt.Sprint(*fields.TotalRecipients)})
	}
	if fields.CampaignID != "" {
		u.set("campaignId", &dbtypes.AttributeValueMemberS{Value: fields.CampaignID})
	}
	if fields.Priority != "" {
		u.set("priority", &dbtypes.AttributeValueMemberS{Value: string(fields.Priority)})
	}
	if fields.Error != "" {
		u.set("error", &dbtypes.AttributeValueMemberS{Value: fields.Error})
	}
	if fields.Summary != nil {
		av, err := attributevalue.MarshalWithOptions(fields.Summary, encodeJSONTags)
		if err != nil {
			return false, types.NewAppError(types.ErrCodeInternalCodec, "failed to marshal result summary", err)
		}
		u.set("resultSummary", av)
	}

	_, err := t.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(t.table),
		Key:                       t.key(jobID),
		UpdateExpression:          aws.String(u.expression()),
		ConditionExpression:       aws.String(u.condition(status.Predecessors())),
		ExpressionAttributeNames:  u.names,
		ExpressionAttributeValues: u.values,
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update job status item", err)
	}
	return true, nil
}

// Get reads the record with a strongly consistent read.
func (t *JobStatusTable) Get(ctx context.Context, jobID string) (*types.JobRecord, error) {
	out, err := t.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.table),
		Key:            t.key(jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read job status item", err)
	}
	if len(out.Item) == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}

	var rec types.JobRecord
	if err := attributevalue.UnmarshalMapWithOptions(out.Item, &rec, decodeJSONTags); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCodec, "failed to decode job status item", err)
	}
	return &rec, nil
}

// HealthCheck verifies the table is reachable and active.
func (t *JobStatusTable) HealthCheck(ctx context.Context) error {
	out, err := t.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.table)})
	if err != nil {
		return fmt.Errorf("describing table %s: %w", t.table, err)
	}
	if out.Table != nil && out.Table.TableStatus != dbtypes.TableStatusActive {
		return fmt.Errorf("table %s is %s", t.table, out.Table.TableStatus)
	}
	return nil
}

func (t *JobStatusTable) key(jobID string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		"jobId": &dbtypes.AttributeValueMemberS{Value: jobID},
	}
}

// update accumulates a SET expression with placeholder names and values.
type update struct {
	clauses []string
	names   map[string]string
	values  map[string]dbtypes.AttributeValue
}

func newUpdate() *update {
	return &update{
		names:  map[string]string{},
		values: map[string]dbtypes.AttributeValue{},
	}
}

func (u *update) set(attr string, v dbtypes.AttributeValue) {
	u.names["#"+attr] = attr
	u.values[":"+attr] = v
	u.clauses = append(u.clauses, fmt.Sprintf("#%s = :%s", attr, attr))
}

func (u *update) setOnce(attr string, v dbtypes.AttributeValue) {
	u.names["#"+attr] = attr
	u.values[":"+attr] = v
	u.clauses = append(u.clauses, fmt.Sprintf("#%s = if_not_exists(#%s, :%s)", attr, attr, attr))
}

func (u *update) expression() string {
	return "SET " + strings.Join(u.clauses, ", ")
}

// condition admits the write when no status exists yet or the stored status
// is one of preds.
func (u *update) condition(preds []types.JobStatus) string {
	cond := "attribute_not_exists(#status)"
	if len(preds) == 0 {
		return cond
	}
	placeholders := make([]string, len(preds))
	for i, p := range preds {
		ph := fmt.Sprintf(":pred%d", i)
		placeholders[i] = ph
		u.values[ph] = &dbtypes.AttributeValueMemberS{Value: string(p)}
	}
	return cond + " OR #status IN (" + strings.Join(placeholders, ", ") + ")"
}
