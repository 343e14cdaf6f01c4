package storage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/cyp0633/libitip/calendar"
)

// MockEventStorage implements the EventStorage interface for testing
type MockEventStorage struct {
	mock.Mock
}

func (m *MockEventStorage) NextID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockEventStorage) LoadEvent(ctx context.Context, id string) (calendar.Event, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(calendar.Event), args.Error(1)
}

func (m *MockEventStorage) LoadEventsByUID(ctx context.Context, uid string) ([]calendar.Event, error) {
	args := m.Called(ctx, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]calendar.Event), args.Error(1)
}

func (m *MockEventStorage) LoadExceptions(ctx context.Context, seriesID string) ([]calendar.Event, error) {
	args := m.Called(ctx, seriesID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]calendar.Event), args.Error(1)
}

func (m *MockEventStorage) InsertEvent(ctx context.Context, event calendar.Event) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockEventStorage) UpdateEvent(ctx context.Context, event calendar.Event) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockEventStorage) DeleteEvent(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

// Overlay replaces the event storage of an existing CalendarStorage, leaving
// all other storages in place.
type Overlay struct {
	CalendarStorage
	EventStore EventStorage
}

func (o Overlay) Events() EventStorage {
	return o.EventStore
}
