package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/freightpoint/relay/internal/cache"
	"github.com/freightpoint/relay/internal/queue"
	"github.com/freightpoint/relay/internal/transport"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeBackend struct {
	mu       sync.Mutex
	online   bool
	sendErr  error
	serverID string
	sent     []transport.MutationRequest
}

func (b *fakeBackend) SendMutation(ctx context.Context, request transport.MutationRequest) (transport.MutationResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sendErr != nil {
		return transport.MutationResult{}, b.sendErr
	}

	b.sent = append(b.sent, request)
	recordID := b.serverID
	if recordID == "" {
		recordID = request.EntityID
	}
	return transport.MutationResult{
		Accepted: true,
		Record: transport.RecordEnvelope{
			Table:                  TableOrders,
			RecordID:               recordID,
			Version:                1,
			ServerTimestampSeconds: 1700000000,
			Data:                   request.Payload,
		},
	}, nil
}

func (b *fakeBackend) RegisterPush(ctx context.Context, registration transport.PushRegistration) error {
	return nil
}

func (b *fakeBackend) Subscribe(ctx context.Context, filters transport.SubscriptionFilters) (<-chan transport.Envelope, error) {
	ch := make(chan transport.Envelope)
	close(ch)
	return ch, nil
}

func (b *fakeBackend) Online(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

type countingIDProvider struct {
	next int
}

func (p *countingIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("local-%d", p.next), nil
}

type facadeFixture struct {
	facade  *Facade
	queue   *queue.Service
	cache   *cache.Store
	backend *fakeBackend
	db      *gorm.DB
}

func newFacadeFixture(t *testing.T) *facadeFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:submit_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&queue.Mutation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	queueService, err := queue.NewService(queue.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct queue service: %v", err)
	}

	fixture := &facadeFixture{
		queue:   queueService,
		cache:   cache.NewStore(),
		backend: &fakeBackend{},
		db:      db,
	}

	facade, err := NewFacade(FacadeConfig{
		Queue:      queueService,
		Cache:      fixture.cache,
		Backend:    fixture.backend,
		IDProvider: &countingIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct facade: %v", err)
	}
	fixture.facade = facade
	return fixture
}

var createOrderPayload = json.RawMessage(`{"vendor_id":"vendor-1","pickup_address":"12 Dock Rd","dropoff_address":"4 Harbor St","item_count":3}`)

func TestSubmitOfflineQueuesWithOptimisticRecord(t *testing.T) {
	fixture := newFacadeFixture(t)
	fixture.backend.online = false

	receipt, err := fixture.facade.Submit(context.Background(), queue.KindCreateOrder, "", createOrderPayload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !receipt.Accepted || !receipt.Queued {
		t.Fatalf("offline submit must be accepted and queued, got %+v", receipt)
	}

	record, ok := fixture.cache.Get(TableOrders, receipt.LocalID)
	if !ok {
		t.Fatalf("expected optimistic record under the local id")
	}
	if !record.LocalOnly || record.Version != 0 {
		t.Fatalf("optimistic record must be localOnly with no version, got %+v", record)
	}

	pending, err := fixture.queue.PeekNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending == nil || pending.MutationID != receipt.LocalID {
		t.Fatalf("queued mutation must share the local id, got %+v", pending)
	}
}

func TestSubmitOnlineSendsDirectlyAndReconciles(t *testing.T) {
	fixture := newFacadeFixture(t)
	fixture.backend.online = true
	fixture.backend.serverID = "order-42"

	receipt, err := fixture.facade.Submit(context.Background(), queue.KindCreateOrder, "", createOrderPayload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !receipt.Accepted || receipt.Queued {
		t.Fatalf("direct send must not queue, got %+v", receipt)
	}

	record, ok := fixture.cache.Get(TableOrders, "order-42")
	if !ok {
		t.Fatalf("expected authoritative record under the server id")
	}
	if record.LocalOnly || record.Version != 1 {
		t.Fatalf("reconciled record must be authoritative, got %+v", record)
	}
	if _, ok := fixture.cache.Get(TableOrders, receipt.LocalID); ok {
		t.Fatalf("no record may remain under the local id after reconcile")
	}

	pending, err := fixture.queue.PeekNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending != nil {
		t.Fatalf("direct send must leave the queue empty, got %+v", pending)
	}
}

func TestSubmitFallsBackToQueueOnTransientSendFailure(t *testing.T) {
	fixture := newFacadeFixture(t)
	fixture.backend.online = true
	fixture.backend.sendErr = fmt.Errorf("%w: connection reset", transport.ErrOffline)

	receipt, err := fixture.facade.Submit(context.Background(), queue.KindUpdateOrderStatus, "order-1", json.RawMessage(`{"status":"accepted"}`))
	if err != nil {
		t.Fatalf("transient failure must fall back, got %v", err)
	}
	if !receipt.Queued {
		t.Fatalf("expected queued fallback, got %+v", receipt)
	}

	if _, ok := fixture.cache.Get(TableOrders, "order-1"); !ok {
		t.Fatalf("expected optimistic record for the targeted entity")
	}
}

func TestSubmitSurfacesTerminalRejection(t *testing.T) {
	fixture := newFacadeFixture(t)
	fixture.backend.online = true
	fixture.backend.sendErr = &transport.RejectionError{Reason: "order already cancelled"}

	_, err := fixture.facade.Submit(context.Background(), queue.KindCancelOrder, "order-1", json.RawMessage(`{"reason":"customer request"}`))
	if err == nil {
		t.Fatalf("expected rejection to surface")
	}
	var rejection *transport.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected a rejection error, got %v", err)
	}

	if _, ok := fixture.cache.Get(TableOrders, "order-1"); ok {
		t.Fatalf("rejected submission must not leave an optimistic record")
	}
	pending, err := fixture.queue.PeekNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending != nil {
		t.Fatalf("rejected submission must not be queued, got %+v", pending)
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	fixture := newFacadeFixture(t)
	fixture.backend.online = true

	tests := []struct {
		name    string
		kind    queue.Kind
		payload json.RawMessage
	}{
		{name: "missing-vendor", kind: queue.KindCreateOrder, payload: json.RawMessage(`{"pickup_address":"a","dropoff_address":"b","item_count":1}`)},
		{name: "unknown-status", kind: queue.KindUpdateOrderStatus, payload: json.RawMessage(`{"status":"vaporized"}`)},
		{name: "not-json", kind: queue.KindCancelOrder, payload: json.RawMessage(`nope`)},
		{name: "unknown-kind", kind: queue.Kind("teleport_order"), payload: json.RawMessage(`{}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fixture.facade.Submit(context.Background(), tt.kind, "order-1", tt.payload); err == nil {
				t.Fatalf("expected validation to fail")
			}
			if len(fixture.backend.sent) != 0 {
				t.Fatalf("invalid payload must never reach the backend")
			}
		})
	}
}

func TestSubmitDegradesWhenQueueIsUnwritable(t *testing.T) {
	fixture := newFacadeFixture(t)
	fixture.backend.online = false

	if err := fixture.db.Migrator().DropTable(&queue.Mutation{}); err != nil {
		t.Fatalf("failed to drop queue table: %v", err)
	}

	receipt, err := fixture.facade.Submit(context.Background(), queue.KindCreateOrder, "", createOrderPayload)
	if !errors.Is(err, ErrOfflineDegraded) {
		t.Fatalf("expected degraded error, got %v", err)
	}
	if !receipt.Degraded {
		t.Fatalf("receipt must flag degraded mode, got %+v", receipt)
	}
	if !fixture.facade.Degraded() {
		t.Fatalf("facade must report degraded mode")
	}
	if records := fixture.cache.List(TableOrders); len(records) != 0 {
		t.Fatalf("optimistic record must be rolled back, got %+v", records)
	}

	// Further offline submissions short-circuit without touching the cache.
	_, err = fixture.facade.Submit(context.Background(), queue.KindCreateOrder, "", createOrderPayload)
	if !errors.Is(err, ErrOfflineDegraded) {
		t.Fatalf("expected degraded error on retry, got %v", err)
	}

	// Synchronous sends still work once connectivity returns.
	fixture.backend.online = true
	fixture.backend.serverID = "order-7"
	receipt, err = fixture.facade.Submit(context.Background(), queue.KindCreateOrder, "", createOrderPayload)
	if err != nil {
		t.Fatalf("degraded mode must still allow direct sends, got %v", err)
	}
	if !receipt.Accepted || receipt.Queued || !receipt.Degraded {
		t.Fatalf("expected synchronous-only acceptance, got %+v", receipt)
	}
}
