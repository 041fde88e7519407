package dynamo

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/store"
	"github.com/nextlevelbuilder/inboundq/internal/store/storetest"
)

// fakeDynamo keeps items in memory and understands the exact update shape
// BufferStore sends. One mutex stands in for DynamoDB's per-item atomicity.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	err   error

	lastUpdate *dynamodb.UpdateItemInput
	lastGet    *dynamodb.GetItemInput
	lastDelete *dynamodb.DeleteItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func pkOf(key map[string]types.AttributeValue) string {
	return key[attrPK].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdate = in
	if f.err != nil {
		return nil, f.err
	}
	pk := pkOf(in.Key)
	item, ok := f.items[pk]
	if !ok {
		item = map[string]types.AttributeValue{attrPK: in.Key[attrPK]}
		f.items[pk] = item
	}
	var list []types.AttributeValue
	if cur, ok := item[attrMsgs].(*types.AttributeValueMemberL); ok {
		list = append(list, cur.Value...)
	}
	list = append(list, in.ExpressionAttributeValues[":m"].(*types.AttributeValueMemberL).Value...)
	item[attrMsgs] = &types.AttributeValueMemberL{Value: list}
	n := 0
	if cur, ok := item[attrCount].(*types.AttributeValueMemberN); ok {
		n, _ = strconv.Atoi(cur.Value)
	}
	item[attrCount] = &types.AttributeValueMemberN{Value: strconv.Itoa(n + 1)}
	item[attrUpdated] = in.ExpressionAttributeValues[":now"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDelete = in
	if f.err != nil {
		return nil, f.err
	}
	pk := pkOf(in.Key)
	old := f.items[pk]
	delete(f.items, pk)
	return &dynamodb.DeleteItemOutput{Attributes: old}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastGet = in
	if f.err != nil {
		return nil, f.err
	}
	item, ok := f.items[pkOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{attrCount: item[attrCount]}}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := &dynamodb.ScanOutput{}
	for pk := range f.items {
		out.Items = append(out.Items, map[string]types.AttributeValue{attrPK: &types.AttributeValueMemberS{Value: pk}})
	}
	return out, nil
}

func mustNew(t *testing.T, db *fakeDynamo) *BufferStore {
	t.Helper()
	s, err := New(db, "buffers")
	require.NoError(t, err)
	return s
}

func TestBufferStore(t *testing.T) {
	storetest.RunBufferStoreTests(t, func(t *testing.T) store.BufferStore {
		return mustNew(t, newFakeDynamo())
	})
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, "buffers")
	require.Error(t, err)
	_, err = New(newFakeDynamo(), " ")
	require.Error(t, err)
}

func TestAppendRequestShape(t *testing.T) {
	db := newFakeDynamo()
	s := mustNew(t, db)
	err := s.Append(context.Background(), "conv:a:web:direct:1", bus.BufferedMessage{
		Text:       "hi",
		AgentID:    "a",
		EnqueuedAt: time.Unix(10, 0),
	})
	require.NoError(t, err)
	require.Equal(t, "buffers", aws.ToString(db.lastUpdate.TableName))
	require.Equal(t, "BUF#conv:a:web:direct:1", pkOf(db.lastUpdate.Key))
	require.Contains(t, aws.ToString(db.lastUpdate.UpdateExpression), "list_append(if_not_exists(")
}

func TestDrainUsesAllOld(t *testing.T) {
	db := newFakeDynamo()
	s := mustNew(t, db)
	_, err := s.Drain(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, types.ReturnValueAllOld, db.lastDelete.ReturnValues)
}

func TestSizeIsConsistentRead(t *testing.T) {
	db := newFakeDynamo()
	s := mustNew(t, db)
	_, err := s.Size(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, aws.ToBool(db.lastGet.ConsistentRead))
}

func TestErrorsAreWrapped(t *testing.T) {
	boom := errors.New("throttled")
	db := newFakeDynamo()
	db.err = boom
	s := mustNew(t, db)
	ctx := context.Background()

	require.ErrorIs(t, s.Append(ctx, "k", bus.BufferedMessage{Text: "x"}), boom)
	_, err := s.Drain(ctx, "k")
	require.ErrorIs(t, err, boom)
	_, err = s.Size(ctx, "k")
	require.ErrorIs(t, err, boom)
	_, err = s.ListKeys(ctx, 10)
	require.ErrorIs(t, err, boom)
}

// corrupt appends a list entry decodeMessage rejects.
func (f *fakeDynamo) corrupt(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := "BUF#" + key
	item, ok := f.items[pk]
	if !ok {
		item = map[string]types.AttributeValue{attrPK: &types.AttributeValueMemberS{Value: pk}}
		f.items[pk] = item
	}
	var list []types.AttributeValue
	if cur, ok := item[attrMsgs].(*types.AttributeValueMemberL); ok {
		list = cur.Value
	}
	item[attrMsgs] = &types.AttributeValueMemberL{Value: append(list, &types.AttributeValueMemberS{Value: "oops"})}
}

func TestUndecodableDrain(t *testing.T) {
	db := newFakeDynamo()
	storetest.RunUndecodableDrainTests(t, mustNew(t, db), func(_ *testing.T, key string) {
		db.corrupt(key)
	})
}

func TestListKeysStripsPrefix(t *testing.T) {
	db := newFakeDynamo()
	s := mustNew(t, db)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "one", bus.BufferedMessage{Text: "x"}))
	require.NoError(t, s.Append(ctx, "two", bus.BufferedMessage{Text: "y"}))
	db.items["OTHER#x"] = map[string]types.AttributeValue{attrPK: &types.AttributeValueMemberS{Value: "OTHER#x"}}

	keys, err := s.ListKeys(ctx, 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"one", "two"}, keys)
}
