package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"policy-copilot/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	queryOuts    []*dynamodb.QueryOutput
	queryErr     error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	queryInputs  []*dynamodb.QueryInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	// copy: the client mutates ExclusiveStartKey between pages
	cp := *in
	f.queryInputs = append(f.queryInputs, &cp)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	idx := len(f.queryInputs) - 1
	if idx >= len(f.queryOuts) {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.queryOuts[idx], nil
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	return c
}

func profileItem(userID string, prefs map[string]string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK":      &types.AttributeValueMemberS{Value: skProfile},
		"profile": stringMapAttr(prefs),
	}
}

func episodeItem(userID, sk, summary string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK":      &types.AttributeValueMemberS{Value: sk},
		"summary": &types.AttributeValueMemberS{Value: summary},
	}
}

func TestGetProfile_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: profileItem("u1", map[string]string{"favorite_color": "blue"})}}
	c := mustNewClient(t, db)

	profile, err := c.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"favorite_color": "blue"}, profile)
	require.Equal(t, "USER#u1", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestGetProfile_MissingIsEmpty(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	profile, err := c.GetProfile(context.Background(), "nobody")
	require.NoError(t, err)
	require.NotNil(t, profile)
	require.Empty(t, profile)
}

func TestGetProfile_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := c.GetProfile(context.Background(), "u1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetProfile")

	bad := map[string]types.AttributeValue{"profile": &types.AttributeValueMemberS{Value: "not-a-map"}}
	c = mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: bad}})
	_, err = c.GetProfile(context.Background(), "u1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a map")
}

func TestMergeProfile_MergesAndPuts(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: profileItem("u1", map[string]string{"name": "abhishek"})}}
	c := mustNewClient(t, db)

	merged, err := c.MergeProfile(context.Background(), "u1", map[string]string{"favorite_color": "blue"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"name": "abhishek", "favorite_color": "blue"}, merged)

	stored, err := mapAttr(db.lastPutInput.Item, "profile")
	require.NoError(t, err)
	require.Equal(t, merged, stored)
}

func TestMergeProfile_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}, putErr: errors.New("throttled")})
	_, err := c.MergeProfile(context.Background(), "u1", map[string]string{"k": "v"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "MergeProfile put item")

	_, err = c.MergeProfile(context.Background(), " ", map[string]string{"k": "v"})
	require.Error(t, err)
}

func TestThreadCheckpoint_RoundTrip(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	th := domain.Thread{
		ID:              "t1",
		Messages:        []domain.ChatMessage{domain.UserMessage("hi"), domain.AssistantMessage("hello")},
		SearchedQueries: []string{"refund?"},
	}
	require.NoError(t, c.SaveThread(context.Background(), th))
	require.Equal(t, "THREAD#t1", db.lastPutInput.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "1", db.lastPutInput.Item["turns"].(*types.AttributeValueMemberN).Value)
	require.Contains(t, db.lastPutInput.Item, "ttl")

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	got, err := c.LoadThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, th.Messages, got.Messages)
	require.Equal(t, th.SearchedQueries, got.SearchedQueries)
}

func TestLoadThread_Missing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	th, err := c.LoadThread(context.Background(), "new")
	require.NoError(t, err)
	require.Equal(t, "new", th.ID)
	require.Empty(t, th.Messages)
}

func TestLoadThread_MalformedState(t *testing.T) {
	item := map[string]types.AttributeValue{"state": &types.AttributeValueMemberS{Value: "{"}}
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	_, err := c.LoadThread(context.Background(), "t1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal state")
}

func TestSaveThread_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.Error(t, c.SaveThread(context.Background(), domain.Thread{}))

	c = mustNewClient(t, &fakeDynamo{putErr: errors.New("boom")})
	err := c.SaveThread(context.Background(), domain.Thread{ID: "t1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "SaveThread")
}

func TestAppendEpisode_ConditionalPut(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.AppendEpisode(context.Background(), domain.Episode{UserID: "u1", Summary: "Checked refund policy."}))
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "EPISODE#2026-10-19T12:00:00.000000000Z", db.lastPutInput.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "Checked refund policy.", db.lastPutInput.Item["summary"].(*types.AttributeValueMemberS).Value)

	require.Error(t, c.AppendEpisode(context.Background(), domain.Episode{Summary: "x"}))
}

func TestAppendEpisode_DynamoError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{putErr: errors.New("ConditionalCheckFailedException")})
	err := c.AppendEpisode(context.Background(), domain.Episode{UserID: "u1", Summary: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "AppendEpisode")
}

func TestListEpisodes_Paginates(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{episodeItem("u1", "EPISODE#1", "first")},
			LastEvaluatedKey: episodeItem("u1", "EPISODE#1", ""),
		},
		{
			Items: []map[string]types.AttributeValue{episodeItem("u1", "EPISODE#2", "second")},
		},
	}}
	c := mustNewClient(t, db)

	eps, err := c.ListEpisodes(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []domain.Episode{{UserID: "u1", Summary: "first"}, {UserID: "u1", Summary: "second"}}, eps)
	require.Len(t, db.queryInputs, 2)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.queryInputs[0].KeyConditionExpression)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
}

func TestListEpisodes_RequiresUserID(t *testing.T) {
	db := &fakeDynamo{}
	_, err := mustNewClient(t, db).ListEpisodes(context.Background(), " ")
	require.ErrorContains(t, err, "user id")
	require.Empty(t, db.queryInputs)
}

func TestListEpisodes_QueryError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")})
	_, err := c.ListEpisodes(context.Background(), "u1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ListEpisodes")
}

func TestEpisodeSK(t *testing.T) {
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	require.Equal(t, "EPISODE#2026-02-25T10:00:00.000000000Z", episodeSK(ts))

	// Keys must sort lexically in write order, whatever the fractional part.
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	ordered := []time.Time{
		base,
		base.Add(100 * time.Millisecond),
		base.Add(150 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Second + time.Millisecond),
		base.Add(time.Second + time.Millisecond + time.Nanosecond),
		base.Add(10 * time.Second),
	}
	for i := 1; i < len(ordered); i++ {
		prev, next := episodeSK(ordered[i-1]), episodeSK(ordered[i])
		require.Less(t, prev, next, "%s must sort before %s", prev, next)
	}

	// Non-UTC timestamps are normalised.
	local := time.Date(2026, 10, 19, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	require.Equal(t, episodeSK(base), episodeSK(local))
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}
