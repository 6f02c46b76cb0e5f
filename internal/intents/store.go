package intents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-order-fulfillment/internal/aws"
)

const (
	orderIndex = "order_id-index"
	stateIndex = "state-index"
)

var (
	// ErrNotFound is returned when marking an intent that does not exist.
	ErrNotFound = errors.New("intent not found")
	// ErrAlreadyCommitted is returned when a committed intent would be moved backwards.
	ErrAlreadyCommitted = errors.New("intent already committed")
	// ErrAborted is returned when an aborted intent would be committed.
	ErrAborted = errors.New("intent aborted")
)

// Store encapsulates operations on the intents table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new intents Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// TransactPut builds the guarded put for in so callers can write it in the
// same transaction as an order change.
func (s *Store) TransactPut(in Intent) (types.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(in)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal intent: %w", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: awsString("attribute_not_exists(intent_id)"),
		},
	}, nil
}

// Get fetches an intent by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, intentID string) (*Intent, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       keyOf(intentID),
	})
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var in Intent
	if err := attributevalue.UnmarshalMap(out.Item, &in); err != nil {
		return nil, fmt.Errorf("unmarshal intent: %w", err)
	}
	return &in, nil
}

// ListByOrder returns every intent of an order, reserves and releases alike.
func (s *Store) ListByOrder(ctx context.Context, orderID string) ([]Intent, error) {
	return s.query(ctx, orderIndex, "order_id", orderID)
}

// ListByState returns every intent currently in state.
func (s *Store) ListByState(ctx context.Context, state State) ([]Intent, error) {
	return s.query(ctx, stateIndex, "state", string(state))
}

// Put writes a single intent that must not exist yet.
func (s *Store) Put(ctx context.Context, in Intent) error {
	tw, err := s.TransactPut(in)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           tw.Put.TableName,
		Item:                tw.Put.Item,
		ConditionExpression: tw.Put.ConditionExpression,
	})
	if err != nil {
		return fmt.Errorf("put intent %s: %w", in.IntentID, err)
	}
	return nil
}

// MarkCommitted records that the side effect was applied by the catalog.
// An intent aborted in the meantime is left alone and ErrAborted is returned.
func (s *Store) MarkCommitted(ctx context.Context, intentID string) error {
	return s.mark(ctx, intentID, StateCommitted, "", StateAborted)
}

// MarkFailed records an ambiguous failure and counts the attempt.
// A committed intent is never moved back to FAILED.
func (s *Store) MarkFailed(ctx context.Context, intentID, note string) error {
	return s.mark(ctx, intentID, StateFailed, note, StateCommitted)
}

// MarkAborted records that the side effect will never be applied.
func (s *Store) MarkAborted(ctx context.Context, intentID, note string) error {
	return s.mark(ctx, intentID, StateAborted, note, StateCommitted)
}

// mark moves the intent to state unless it currently is in forbidden.
func (s *Store) mark(ctx context.Context, intentID string, state State, note string, forbidden State) error {
	now := s.nowFunc()
	values := map[string]types.AttributeValue{
		":state": &types.AttributeValueMemberS{Value: string(state)},
		":ua":    &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
		":one":   &types.AttributeValueMemberN{Value: "1"},
		":note":  &types.AttributeValueMemberS{Value: note},
		":guard": &types.AttributeValueMemberS{Value: string(forbidden)},
	}
	cond := "attribute_exists(intent_id) AND #st <> :guard"

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       keyOf(intentID),
		UpdateExpression:          awsString("SET #st = :state, note = :note, updated_at = :ua ADD attempts :one"),
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  map[string]string{"#st": "state"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if !isConditionalFailure(err) {
			return fmt.Errorf("update intent %s: %w", intentID, err)
		}
		// tell a missing intent apart from a guarded one
		current, getErr := s.Get(ctx, intentID)
		if getErr != nil {
			return getErr
		}
		if current == nil {
			return ErrNotFound
		}
		if forbidden == StateAborted {
			return ErrAborted
		}
		return ErrAlreadyCommitted
	}
	return nil
}

func (s *Store) query(ctx context.Context, index, attr, value string) ([]Intent, error) {
	var (
		out      []Intent
		startKey map[string]types.AttributeValue
	)
	for {
		res, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:                 &s.tableName,
			IndexName:                 awsString(index),
			KeyConditionExpression:    awsString("#k = :v"),
			ExpressionAttributeNames:  map[string]string{"#k": attr},
			ExpressionAttributeValues: map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: value}},
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", index, err)
		}
		var page []Intent
		if err := attributevalue.UnmarshalListOfMaps(res.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal intents: %w", err)
		}
		out = append(out, page...)
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = res.LastEvaluatedKey
	}
}

func keyOf(intentID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"intent_id": &types.AttributeValueMemberS{Value: intentID},
	}
}

func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }
