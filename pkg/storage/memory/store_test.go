package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"hookgate/pkg/storage"
)

func TestCreateInstallationOneLivePerUser(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateInstallation(ctx, storage.Installation{UserID: 1, GitHubInstallationID: 10}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateInstallation(ctx, storage.Installation{UserID: 1, GitHubInstallationID: 11}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ok, err := store.TransitionInstallation(ctx, 10, storage.StatusActive, storage.InstallationChange{Status: storage.StatusDeleted}); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if _, err := store.CreateInstallation(ctx, storage.Installation{UserID: 1, GitHubInstallationID: 11}); err != nil {
		t.Fatalf("expected create after delete, got %v", err)
	}
}

func TestInsertDeliveryConcurrent(t *testing.T) {
	store := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.InsertDelivery(context.Background(), storage.Delivery{DeliveryID: "same", EventType: "ping"})
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("expected one accepted insert, got %d", accepted)
	}
}

func TestListDeliveriesPaging(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.InsertDelivery(ctx, storage.Delivery{DeliveryID: id, EventType: "push"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	items, total, err := store.ListDeliveries(ctx, storage.DeliveryFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 1 || items[0].DeliveryID != "b" {
		t.Fatalf("unexpected page: total=%d items=%+v", total, items)
	}
	items, _, _ = store.ListDeliveries(ctx, storage.DeliveryFilter{Offset: 5})
	if len(items) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(items))
	}
}
