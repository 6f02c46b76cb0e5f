package fulfillment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"github.com/imrishuroy/go-order-fulfillment/internal/aws"
	"github.com/imrishuroy/go-order-fulfillment/internal/aws/awstest"
	"github.com/imrishuroy/go-order-fulfillment/internal/gateway"
	"github.com/imrishuroy/go-order-fulfillment/internal/intents"
	"github.com/imrishuroy/go-order-fulfillment/internal/orders"
)

type fakeUsers struct {
	mu    sync.Mutex
	known map[string]bool
	err   error
	calls int
}

func (f *fakeUsers) GetUser(ctx context.Context, userID string) (gateway.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return gateway.User{}, f.err
	}
	if !f.known[userID] {
		return gateway.User{}, gateway.ErrNotFound
	}
	return gateway.User{ID: userID}, nil
}

type stockCall struct {
	ProductID      string
	Quantity       int
	Key            string
	ReservationKey string
}

type fakeCatalog struct {
	mu          sync.Mutex
	products    map[string]gateway.Product
	getErr      error
	decreaseErr map[string]error
	increaseErr error
	getCalls    int
	decreases   []stockCall
	increases   []stockCall

	// beforeDecrease runs ahead of every decrement, outside the lock.
	beforeDecrease func(productID string)
	// byReservation makes increases apply only to decrements that landed
	// and were not given back yet, keyed by reservation.
	byReservation bool
	reserved      map[string]bool
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		products: map[string]gateway.Product{
			"A": {ProductID: "A", Name: "Alpha", Price: decimal.RequireFromString("50.00"), StockQuantity: 10},
			"B": {ProductID: "B", Name: "Beta", Price: decimal.RequireFromString("75.00"), StockQuantity: 5},
		},
		decreaseErr: map[string]error{},
		reserved:    map[string]bool{},
	}
}

func (f *fakeCatalog) GetProducts(ctx context.Context, ids []string) ([]gateway.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	var out []gateway.Product
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeCatalog) DecreaseStock(ctx context.Context, productID string, quantity int, key string) error {
	if f.beforeDecrease != nil {
		f.beforeDecrease(productID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decreases = append(f.decreases, stockCall{ProductID: productID, Quantity: quantity, Key: key})
	if err := f.decreaseErr[productID]; err != nil {
		return err
	}
	p := f.products[productID]
	p.StockQuantity -= quantity
	f.products[productID] = p
	f.reserved[key] = true
	return nil
}

func (f *fakeCatalog) IncreaseStock(ctx context.Context, productID string, quantity int, key, reservationKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increases = append(f.increases, stockCall{ProductID: productID, Quantity: quantity, Key: key, ReservationKey: reservationKey})
	if f.increaseErr != nil {
		return f.increaseErr
	}
	if f.byReservation {
		if !f.reserved[reservationKey] {
			return nil
		}
		delete(f.reserved, reservationKey)
	}
	p := f.products[productID]
	p.StockQuantity += quantity
	f.products[productID] = p
	return nil
}

func (f *fakeCatalog) stock(productID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[productID].StockQuantity
}

func (f *fakeCatalog) setIncreaseErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increaseErr = err
}

type harness struct {
	svc     *Service
	db      *awstest.Dynamo
	orders  *orders.Store
	intents *intents.Store
	users   *fakeUsers
	catalog *fakeCatalog
	sqs     *awstest.SQS
	cw      *awstest.CloudWatch
	now     time.Time
}

func newHarness(t *testing.T, policy string) *harness {
	t.Helper()
	db := awstest.NewDynamo().
		CreateTable("orders", "order_id").
		CreateTable("order_intents", "intent_id")
	intentStore := intents.NewStore(db, "order_intents")
	h := &harness{
		db:      db,
		orders:  orders.NewStore(db, "orders", intentStore),
		intents: intentStore,
		users:   &fakeUsers{known: map[string]bool{"u1": true, "u2": true}},
		catalog: newFakeCatalog(),
		sqs:     &awstest.SQS{},
		cw:      &awstest.CloudWatch{},
		now:     time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC),
	}

	seq := 0
	svc, err := New(Deps{
		Orders:   h.orders,
		Intents:  h.intents,
		Users:    h.users,
		Catalog:  h.catalog,
		Notifier: aws.NewPublisher(h.sqs, "https://sqs.local/compensation"),
		Metrics:  aws.NewMetrics(h.cw, "OrderFulfillment"),
		Logger:   zaptest.NewLogger(t),
		Clock:    func() time.Time { return h.now },
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
		Policy: policy,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) intent(t *testing.T, id string) intents.Intent {
	t.Helper()
	in, err := h.intents.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get intent %s: %v", id, err)
	}
	if in == nil {
		t.Fatalf("intent %s not found", id)
	}
	return *in
}

func (h *harness) order(t *testing.T, id string) orders.Order {
	t.Helper()
	o, err := h.orders.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find order %s: %v", id, err)
	}
	if o == nil {
		t.Fatalf("order %s not found", id)
	}
	return *o
}

func twoLineOrder(userID string) CreateOrderCommand {
	return CreateOrderCommand{
		UserID:         userID,
		Address:        "1 Main St",
		DeliveryMethod: "courier",
		Items: []LineRequest{
			{ProductID: "A", Quantity: 2},
			{ProductID: "B", Quantity: 1},
		},
	}
}
