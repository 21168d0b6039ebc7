package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"campusfeed/internal/config"
	"campusfeed/internal/model"
	"campusfeed/internal/repository"
)

func TestRetentionJobPrunesOldNotifications(t *testing.T) {
	store := repository.NewMemory()
	ctx := context.Background()

	old := model.Notification{
		ID:        "old",
		Kind:      model.KindFacultyNotification,
		Audience:  model.BroadcastAudience(),
		Data:      json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	fresh := old
	fresh.ID = "fresh"
	fresh.CreatedAt = time.Now().UTC()
	if err := store.InsertNotification(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertNotification(ctx, fresh); err != nil {
		t.Fatalf("insert: %v", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	StartRetentionJob(jobCtx, config.Config{
		RetentionJobEnabled: true,
		RetentionInterval:   10 * time.Millisecond,
		RetentionMaxAge:     24 * time.Hour,
	}, store)

	deadline := time.Now().Add(2 * time.Second)
	for {
		list, err := store.ListNotifications(ctx, "anyone", nil, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) == 1 && list[0].ID == "fresh" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("old notification not pruned, have %+v", list)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRetentionJobDisabled(t *testing.T) {
	store := repository.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := model.Notification{
		ID:        "old",
		Kind:      model.KindFacultyNotification,
		Audience:  model.BroadcastAudience(),
		Data:      json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := store.InsertNotification(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}

	StartRetentionJob(ctx, config.Config{
		RetentionJobEnabled: false,
		RetentionInterval:   10 * time.Millisecond,
		RetentionMaxAge:     24 * time.Hour,
	}, store)

	time.Sleep(50 * time.Millisecond)
	list, err := store.ListNotifications(ctx, "anyone", nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("disabled job must not prune, have %d rows", len(list))
	}
}
