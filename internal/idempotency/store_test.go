package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-order-fulfillment/internal/aws/awstest"
)

const table = "idempotency-table"

func newTestStore() (*Store, *awstest.Dynamo) {
	db := awstest.NewDynamo().CreateTable(table, "idempotency_key")
	return NewStore(db, table, 48*time.Hour), db
}

func TestCreateIfNotExists_Get_MarkDone_MarkFailed(t *testing.T) {
	s, db := newTestStore()

	ctx := context.Background()
	key := "u1:test-key-1"

	created, err := s.CreateIfNotExists(ctx, key, "")
	if err != nil {
		t.Fatalf("CreateIfNotExists error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}

	// second create should return created=false (exists)
	created2, err := s.CreateIfNotExists(ctx, key, "")
	if err != nil {
		t.Fatalf("second CreateIfNotExists error: %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false on duplicate create")
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", rec.Status)
	}
	if rec.ExpiresAt <= time.Now().Unix() {
		t.Fatalf("expires_at should be in the future")
	}

	if err := s.MarkDone(ctx, key, "order-123", "{\"ok\":true}", 201); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}

	rec, _ = s.Get(ctx, key)
	if rec.Status != StatusDone || rec.OrderID != "order-123" || rec.ResponseStatus != 201 {
		t.Fatalf("unexpected record after MarkDone: %+v", rec)
	}
	if rec.ResponseBody != "{\"ok\":true}" {
		t.Fatalf("response_body not set correctly: %q", rec.ResponseBody)
	}

	if err := s.MarkFailed(ctx, key, "failed-reason"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
	item := db.Item(table, key)
	if st, ok := item["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusFailed {
		t.Fatalf("status not updated to FAILED, got %+v", item["status"])
	}
	if n, ok := item["note"].(*types.AttributeValueMemberS); !ok || n.Value != "failed-reason" {
		t.Fatalf("note not set, got %+v", item["note"])
	}
}

func TestReclaim(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := "u1:k"

	if _, err := s.CreateIfNotExists(ctx, key, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Reclaim(ctx, key); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("in-progress record must not be reclaimed, got %v", err)
	}

	if err := s.MarkFailed(ctx, key, "upstream down"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := s.Reclaim(ctx, key); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	rec, _ := s.Get(ctx, key)
	if rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS after reclaim, got %s", rec.Status)
	}
	if err := s.Reclaim(ctx, key); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("second reclaim should lose, got %v", err)
	}
}

func TestReclaimStale(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := "u1:crashed"
	start := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return start }

	if _, err := s.CreateIfNotExists(ctx, key, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	s.nowFunc = func() time.Time { return start.Add(5 * time.Minute) }
	if err := s.ReclaimStale(ctx, key, rec.UpdatedAt); err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	// a second caller that read the same record loses
	if err := s.ReclaimStale(ctx, key, rec.UpdatedAt); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}

	after, _ := s.Get(ctx, key)
	if after.Status != StatusInProgress || !after.UpdatedAt.Equal(start.Add(5*time.Minute)) {
		t.Fatalf("unexpected record after reclaim: %+v", after)
	}

	if err := s.MarkDone(ctx, key, "o1", "{}", 201); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	done, _ := s.Get(ctx, key)
	if err := s.ReclaimStale(ctx, key, done.UpdatedAt); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("finished record must not be reclaimed, got %v", err)
	}
}

func TestMark_MissingRecord(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	if err := s.MarkDone(ctx, "missing", "o1", "{}", 201); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	if err := s.MarkFailed(ctx, "missing", "x"); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	rec, err := s.Get(ctx, "missing")
	if err != nil || rec != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", rec, err)
	}
}
