package feed

import (
	"encoding/json"
	"testing"
	"time"

	"campusfeed/internal/model"
)

func note(id string, kind model.NotificationKind) model.Notification {
	return model.Notification{
		ID:        id,
		Kind:      kind,
		Audience:  model.IdentityAudience("student-1"),
		Data:      json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC(),
	}
}

func TestReplaceSwapsWholesale(t *testing.T) {
	cache := NewCache()
	cache.Prepend(note("old", model.KindFacultyNotification))

	cache.Replace([]model.Notification{
		note("a", model.KindLeaveDecided),
		note("b", model.KindRoutineStatusChange),
	})

	items := cache.Items()
	if len(items) != 2 || items[0].ID != "a" || items[1].ID != "b" {
		t.Fatalf("unexpected items after replace: %+v", items)
	}
}

func TestPrependPutsNewestFirst(t *testing.T) {
	cache := NewCache()
	cache.Replace([]model.Notification{note("a", model.KindLeaveDecided)})
	cache.Prepend(note("b", model.KindRoutineStatusChange))

	items := cache.Items()
	if len(items) != 2 || items[0].ID != "b" || items[1].ID != "a" {
		t.Fatalf("expected newest first, got %+v", items)
	}
}

func TestPrependIgnoresDuplicateID(t *testing.T) {
	cache := NewCache()
	cache.Replace([]model.Notification{note("a", model.KindLeaveDecided)})
	cache.Prepend(note("a", model.KindLeaveDecided))

	if cache.Len() != 1 {
		t.Fatalf("duplicate id must be ignored, got %d items", cache.Len())
	}
}

func TestItemsReturnsCopy(t *testing.T) {
	cache := NewCache()
	cache.Replace([]model.Notification{note("a", model.KindLeaveDecided)})

	items := cache.Items()
	items[0].ID = "mutated"

	if cache.Items()[0].ID != "a" {
		t.Fatalf("mutating the returned slice must not touch the cache")
	}
}
