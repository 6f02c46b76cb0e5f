package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-order-fulfillment/internal/aws"
	"github.com/imrishuroy/go-order-fulfillment/internal/intents"
)

const (
	userIndex   = "user_id-index"
	statusIndex = "status-index"
)

var (
	// ErrStatusMismatch is returned when a conditional status update lost a race.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrOrderExists is returned when saving an order id that is already taken.
	ErrOrderExists = errors.New("order already exists")
	// ErrNotFound is returned when deleting an order that does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrNoItems is returned when saving an order without items.
	ErrNoItems = errors.New("order has no items")
	// ErrTooManyItems is returned by Save when an order exceeds MaxItems.
	ErrTooManyItems = errors.New("order has too many items")
)

// IntentWriter builds the transactional puts for stock intents.
type IntentWriter interface {
	TransactPut(in intents.Intent) (types.TransactWriteItem, error)
}

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	intents   IntentWriter
	nowFunc   func() time.Time
	newID     func() string
}

// NewStore creates a new orders Store. Intents passed to Save and
// TransitionStatus are written through iw in the same transaction.
func NewStore(client aws.DynamoDBAPI, tableName string, iw IntentWriter) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		intents:   iw,
		nowFunc:   time.Now,
		newID:     uuid.NewString,
	}
}

// Save persists a new order (header and items) together with the given
// pending intents. Missing ids and timestamps are assigned.
func (s *Store) Save(ctx context.Context, order Order, pending ...intents.Intent) (Order, error) {
	if len(order.Items) == 0 {
		return Order{}, ErrNoItems
	}
	if len(order.Items) > MaxItems {
		return Order{}, ErrTooManyItems
	}
	now := s.nowFunc()
	if order.ID == "" {
		order.ID = s.newID()
	}
	for i := range order.Items {
		if order.Items[i].ID == "" {
			order.Items[i].ID = s.newID()
		}
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	if order.Status == "" {
		order.Status = StatusCreated
	}

	item, err := attributevalue.MarshalMap(toRecord(order))
	if err != nil {
		return Order{}, fmt.Errorf("marshal order: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                item,
				ConditionExpression: awsString("attribute_not_exists(order_id)"),
			},
		},
	}
	extra, err := s.intentPuts(pending)
	if err != nil {
		return Order{}, err
	}
	transactItems = append(transactItems, extra...)

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		if firstConditionFailed(err) {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderExists, order.ID)
		}
		return Order{}, fmt.Errorf("transact write order: %w", err)
	}
	return order, nil
}

// FindByID fetches an order by id. Returns (nil, nil) if not found.
func (s *Store) FindByID(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       keyOf(orderID),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec orderRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	o, err := rec.toOrder()
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// FindByIDAndUser fetches an order only if it belongs to userID.
// Another user's order is reported as not found.
func (s *Store) FindByIDAndUser(ctx context.Context, orderID, userID string) (*Order, error) {
	o, err := s.FindByID(ctx, orderID)
	if err != nil || o == nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, nil
	}
	return o, nil
}

// FindByUser returns the user's orders, oldest first.
func (s *Store) FindByUser(ctx context.Context, userID string) ([]Order, error) {
	return s.query(ctx, userIndex, "user_id", userID)
}

// FindByStatus returns every order in status, oldest first.
func (s *Store) FindByStatus(ctx context.Context, status Status) ([]Order, error) {
	return s.query(ctx, statusIndex, "status", string(status))
}

// TransitionStatus conditionally moves the order from expected to next and
// writes the given intents in the same transaction.
// Returns ErrStatusMismatch if the stored status is no longer expected.
func (s *Store) TransitionStatus(ctx context.Context, orderID string, expected, next Status, pending ...intents.Intent) error {
	now := s.nowFunc()
	updateExpr := "SET #s = :new, updated_at = :ua"
	names := map[string]string{"#s": "status"}
	values := map[string]types.AttributeValue{
		":new":      &types.AttributeValueMemberS{Value: string(next)},
		":expected": &types.AttributeValueMemberS{Value: string(expected)},
		":ua":       &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
	}
	cond := "#s = :expected"

	if len(pending) == 0 {
		_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
			TableName:                 &s.tableName,
			Key:                       keyOf(orderID),
			UpdateExpression:          &updateExpr,
			ConditionExpression:       &cond,
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		if err != nil {
			if isConditionalFailure(err) {
				return ErrStatusMismatch
			}
			return fmt.Errorf("update item: %w", err)
		}
		return nil
	}

	transactItems := []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName:                 &s.tableName,
				Key:                       keyOf(orderID),
				UpdateExpression:          &updateExpr,
				ConditionExpression:       &cond,
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		},
	}
	extra, err := s.intentPuts(pending)
	if err != nil {
		return err
	}
	transactItems = append(transactItems, extra...)

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		if firstConditionFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("transact status update: %w", err)
	}
	return nil
}

// Delete removes the order header and its items.
func (s *Store) Delete(ctx context.Context, orderID string) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:           &s.tableName,
		Key:                 keyOf(orderID),
		ConditionExpression: awsString("attribute_exists(order_id)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func (s *Store) intentPuts(pending []intents.Intent) ([]types.TransactWriteItem, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	if s.intents == nil {
		return nil, errors.New("orders store has no intent writer")
	}
	out := make([]types.TransactWriteItem, 0, len(pending))
	for _, in := range pending {
		put, err := s.intents.TransactPut(in)
		if err != nil {
			return nil, err
		}
		out = append(out, put)
	}
	return out, nil
}

func (s *Store) query(ctx context.Context, index, attr, value string) ([]Order, error) {
	var (
		out      []Order
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
		var page []orderRecord
		if err := attributevalue.UnmarshalListOfMaps(res.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		for _, rec := range page {
			o, err := rec.toOrder()
			if err != nil {
				return nil, err
			}
			out = append(out, o)
		}
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = res.LastEvaluatedKey
	}
}

func keyOf(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
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

// firstConditionFailed reports whether a transaction was cancelled because
// its first item (the order write) failed its condition.
func firstConditionFailed(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return isConditionalFailure(err)
	}
	if len(tce.CancellationReasons) == 0 {
		return true
	}
	code := tce.CancellationReasons[0].Code
	return code != nil && *code == "ConditionalCheckFailed"
}

func awsString(s string) *string { return &s }
