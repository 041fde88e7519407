// Package dynamo implements BufferStore on a DynamoDB table with a string
// partition key named "pk". Each conversation buffer is a single item whose
// "msgs" list grows with list_append; draining is one DeleteItem returning the
// old item, so DynamoDB's per-item atomicity gives the drain guarantee.
//
// A buffer item is capped at DynamoDB's 400 KB item size, which bounds how
// much one burst can hold before Append starts failing.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/store"
)

const (
	attrPK       = "pk"
	attrMsgs     = "msgs"
	attrCount    = "n"
	attrUpdated  = "updated_at"
	pkPrefix     = "BUF#"
	fieldAgent   = "agent_id"
	fieldText    = "text"
	fieldMeta    = "meta"
	fieldEnqueue = "at"
)

// dynamodbAPI is the minimal DynamoDB interface required by BufferStore.
// Defined here for testability.
type dynamodbAPI interface {
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// BufferStore wraps a DynamoDB table holding conversation buffers.
type BufferStore struct {
	api       dynamodbAPI
	tableName string
}

// New creates a BufferStore over an existing client.
func New(api dynamodbAPI, tableName string) (*BufferStore, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	return &BufferStore{api: api, tableName: tableName}, nil
}

// NewFromConfig loads the default AWS credential chain. A non-empty endpoint
// overrides the service URL (DynamoDB Local, LocalStack).
func NewFromConfig(ctx context.Context, region, endpoint, tableName string) (*BufferStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamo: load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client, tableName)
}

func bufferKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrPK: &types.AttributeValueMemberS{Value: pkPrefix + key}}
}

func encodeMessage(msg bus.BufferedMessage) types.AttributeValue {
	m := map[string]types.AttributeValue{
		fieldAgent:   &types.AttributeValueMemberS{Value: msg.AgentID},
		fieldText:    &types.AttributeValueMemberS{Value: msg.Text},
		fieldEnqueue: &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.EnqueuedAt.UnixNano(), 10)},
	}
	if len(msg.Metadata) > 0 {
		meta := make(map[string]types.AttributeValue, len(msg.Metadata))
		for k, v := range msg.Metadata {
			meta[k] = &types.AttributeValueMemberS{Value: v}
		}
		m[fieldMeta] = &types.AttributeValueMemberM{Value: meta}
	}
	return &types.AttributeValueMemberM{Value: m}
}

func decodeMessage(key string, av types.AttributeValue) (bus.BufferedMessage, error) {
	m, ok := av.(*types.AttributeValueMemberM)
	if !ok {
		return bus.BufferedMessage{}, fmt.Errorf("message is %T, want map", av)
	}
	msg := bus.BufferedMessage{ConversationKey: key}
	text, ok := m.Value[fieldText].(*types.AttributeValueMemberS)
	if !ok {
		return bus.BufferedMessage{}, errors.New("missing text")
	}
	msg.Text = text.Value
	if agent, ok := m.Value[fieldAgent].(*types.AttributeValueMemberS); ok {
		msg.AgentID = agent.Value
	}
	if at, ok := m.Value[fieldEnqueue].(*types.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(at.Value, 10, 64)
		if err != nil {
			return bus.BufferedMessage{}, fmt.Errorf("decode %s: %w", fieldEnqueue, err)
		}
		msg.EnqueuedAt = time.Unix(0, n).UTC()
	}
	if meta, ok := m.Value[fieldMeta].(*types.AttributeValueMemberM); ok {
		msg.Metadata = make(map[string]string, len(meta.Value))
		for k, v := range meta.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				msg.Metadata[k] = s.Value
			}
		}
	}
	return msg, nil
}

// Append adds msg to the item's list and bumps its counter in one UpdateItem.
func (s *BufferStore) Append(ctx context.Context, key string, msg bus.BufferedMessage) error {
	in := &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              bufferKey(key),
		UpdateExpression: aws.String("SET #msgs = list_append(if_not_exists(#msgs, :empty), :m), #updated = :now ADD #n :one"),
		ExpressionAttributeNames: map[string]string{
			"#msgs":    attrMsgs,
			"#updated": attrUpdated,
			"#n":       attrCount,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":m":     &types.AttributeValueMemberL{Value: []types.AttributeValue{encodeMessage(msg)}},
			":now":   &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
			":one":   &types.AttributeValueMemberN{Value: "1"},
		},
	}
	if _, err := s.api.UpdateItem(ctx, in); err != nil {
		return fmt.Errorf("dynamo: Append %s: %w", key, err)
	}
	return nil
}

// Drain deletes the buffer item and decodes the list it held.
func (s *BufferStore) Drain(ctx context.Context, key string) ([]bus.BufferedMessage, error) {
	out, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.tableName),
		Key:          bufferKey(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: Drain %s: %w", key, err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return nil, nil
	}
	list, ok := out.Attributes[attrMsgs].(*types.AttributeValueMemberL)
	if !ok || len(list.Value) == 0 {
		return nil, nil
	}
	var (
		msgs []bus.BufferedMessage
		errs []error
	)
	for i, av := range list.Value {
		msg, err := decodeMessage(key, av)
		if err != nil {
			// The item is already gone; report the message and keep the rest.
			errs = append(errs, fmt.Errorf("dynamo: Drain %s: message %d: %w: %w", key, i, store.ErrUndecodableMessage, err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, errors.Join(errs...)
}

// Size reads the item's counter with a strongly consistent read.
func (s *BufferStore) Size(ctx context.Context, key string) (int, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      bufferKey(key),
		ConsistentRead:           aws.Bool(true),
		ProjectionExpression:     aws.String("#n"),
		ExpressionAttributeNames: map[string]string{"#n": attrCount},
	})
	if err != nil {
		return 0, fmt.Errorf("dynamo: Size %s: %w", key, err)
	}
	if out == nil || out.Item == nil {
		return 0, nil
	}
	n, ok := out.Item[attrCount].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	v, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("dynamo: Size %s: decode count: %w", key, err)
	}
	return v, nil
}

// ListKeys scans for buffer items. Scans are eventually consistent and cost
// a full table read; use for diagnostics only.
func (s *BufferStore) ListKeys(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		keys  []string
		start map[string]types.AttributeValue
	)
	for len(keys) < limit {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(s.tableName),
			ProjectionExpression:     aws.String("#pk"),
			ExpressionAttributeNames: map[string]string{"#pk": attrPK},
			ExclusiveStartKey:        start,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamo: ListKeys: %w", err)
		}
		for _, item := range out.Items {
			pk, ok := item[attrPK].(*types.AttributeValueMemberS)
			if ok && strings.HasPrefix(pk.Value, pkPrefix) {
				keys = append(keys, strings.TrimPrefix(pk.Value, pkPrefix))
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *BufferStore) Close() error { return nil }
