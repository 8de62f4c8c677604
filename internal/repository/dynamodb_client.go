package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"policy-copilot/internal/domain"
)

const (
	skProfile       = "PROFILE"
	skCheckpoint    = "CHECKPOINT"
	skPrefixEpisode = "EPISODE#"
	ttlDuration     = 30 * 24 * time.Hour // 30-day TTL on checkpoints

	// episodeTimeLayout is fixed width so sort keys order by time.
	episodeTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client keeps profiles, thread checkpoints and episodes in one DynamoDB table.
// It is the storage used by the Lambda deployment, where local files do not
// survive between invocations.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func userPK(userID string) string {
	return "USER#" + userID
}

func threadPK(threadID string) string {
	return "THREAD#" + threadID
}

// episodeSK returns the sort key for an episode written at ts.
func episodeSK(ts time.Time) string {
	return skPrefixEpisode + ts.UTC().Format(episodeTimeLayout)
}

func (c *Client) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// GetProfile returns the user's profile, or an empty map if none is stored.
func (c *Client) GetProfile(ctx context.Context, userID string) (map[string]string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(userPK(userID), skProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetProfile get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return map[string]string{}, nil
	}
	profile, err := mapAttr(out.Item, "profile")
	if err != nil {
		return nil, fmt.Errorf("repository: GetProfile decode: %w", err)
	}
	return profile, nil
}

// MergeProfile reads the stored profile, merges fields and writes it back.
// Like the file store this is last-write-wins.
func (c *Client) MergeProfile(ctx context.Context, userID string, fields map[string]string) (map[string]string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("repository: MergeProfile: user id is required")
	}
	profile, err := c.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: MergeProfile: %w", err)
	}
	maps.Copy(profile, fields)

	item := c.key(userPK(userID), skProfile)
	item["userId"] = &types.AttributeValueMemberS{Value: userID}
	item["profile"] = stringMapAttr(profile)
	item["updatedAt"] = &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)}

	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}); err != nil {
		return nil, fmt.Errorf("repository: MergeProfile put item: %w", err)
	}
	return profile, nil
}

// LoadThread returns the checkpointed thread, or an empty one.
func (c *Client) LoadThread(ctx context.Context, threadID string) (domain.Thread, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(threadPK(threadID), skCheckpoint),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Thread{}, fmt.Errorf("repository: LoadThread get item: %w", err)
	}
	th := domain.Thread{ID: threadID, Messages: []domain.ChatMessage{}}
	if out == nil || len(out.Item) == 0 {
		return th, nil
	}
	raw, err := strAttr(out.Item, "state")
	if err != nil {
		return domain.Thread{}, fmt.Errorf("repository: LoadThread decode: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &th); err != nil {
		return domain.Thread{}, fmt.Errorf("repository: LoadThread unmarshal state: %w", err)
	}
	return th, nil
}

// SaveThread replaces the thread checkpoint and refreshes its TTL.
func (c *Client) SaveThread(ctx context.Context, th domain.Thread) error {
	if strings.TrimSpace(th.ID) == "" {
		return errors.New("repository: SaveThread: thread id is required")
	}
	now := c.now().UTC()
	th.UpdatedAt = now
	raw, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("repository: SaveThread marshal: %w", err)
	}

	item := c.key(threadPK(th.ID), skCheckpoint)
	item["threadId"] = &types.AttributeValueMemberS{Value: th.ID}
	item["state"] = &types.AttributeValueMemberS{Value: string(raw)}
	item["turns"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", countRole(th.Messages, domain.RoleUser))}
	item["ttl"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(ttlDuration).Unix())}

	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("repository: SaveThread: %w", err)
	}
	return nil
}

// AppendEpisode writes a new episode item. Existing episodes are never overwritten.
func (c *Client) AppendEpisode(ctx context.Context, ep domain.Episode) error {
	if strings.TrimSpace(ep.UserID) == "" {
		return errors.New("repository: AppendEpisode: user id is required")
	}
	item := c.key(userPK(ep.UserID), episodeSK(c.now()))
	item["userId"] = &types.AttributeValueMemberS{Value: ep.UserID}
	item["summary"] = &types.AttributeValueMemberS{Value: ep.Summary}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendEpisode: %w", err)
	}
	return nil
}

// ListEpisodes returns a user's episodes oldest first.
func (c *Client) ListEpisodes(ctx context.Context, userID string) ([]domain.Episode, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("repository: ListEpisodes: user id is required")
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixEpisode},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var eps []domain.Episode
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListEpisodes query: %w", err)
		}
		for _, item := range out.Items {
			summary, err := strAttr(item, "summary")
			if err != nil {
				return nil, fmt.Errorf("repository: ListEpisodes decode: %w", err)
			}
			eps = append(eps, domain.Episode{UserID: userID, Summary: summary})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return eps, nil
}

func countRole(msgs []domain.ChatMessage, role domain.Role) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

func stringMapAttr(m map[string]string) *types.AttributeValueMemberM {
	out := make(map[string]types.AttributeValue, len(m))
	for k, v := range m {
		out[k] = &types.AttributeValueMemberS{Value: v}
	}
	return &types.AttributeValueMemberM{Value: out}
}

func mapAttr(item map[string]types.AttributeValue, key string) (map[string]string, error) {
	v, ok := item[key]
	if !ok {
		return map[string]string{}, nil
	}
	m, ok := v.(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a map", key)
	}
	out := make(map[string]string, len(m.Value))
	for k, av := range m.Value {
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q.%q is not a string", key, k)
		}
		out[k] = s.Value
	}
	return out, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
