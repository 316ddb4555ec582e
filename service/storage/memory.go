package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in process memory. Used by tests and by
// single-node deployments that have not wired a durable backend yet.
type MemoryStore struct {
	mu            sync.Mutex
	messages      []Message
	uploadStatus  map[string]string
	uploadMeta    map[string]map[string]any
	notifications []NotificationRecord

	// FailNext makes the next n BatchInsert calls fail, for retry tests.
	FailNext int
	failErr  error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploadStatus: make(map[string]string),
		uploadMeta:   make(map[string]map[string]any),
	}
}

// FailWith arranges for the next n BatchInsert calls to return err.
func (s *MemoryStore) FailWith(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailNext = n
	s.failErr = err
}

func (s *MemoryStore) BatchInsert(_ context.Context, msgs []Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext > 0 {
		s.FailNext--
		return 0, s.failErr
	}
	s.messages = append(s.messages, msgs...)
	return len(msgs), nil
}

func (s *MemoryStore) UpdateUploadStatus(_ context.Context, uploadID, status string, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadStatus[uploadID] = status
	if meta != nil {
		s.uploadMeta[uploadID] = meta
	}
	return nil
}

func (s *MemoryStore) CreateNotificationRecord(_ context.Context, rec NotificationRecord) (NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, rec)
	return rec, nil
}

func (s *MemoryStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *MemoryStore) UploadStatus(uploadID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.uploadStatus[uploadID]
	return st, ok
}

func (s *MemoryStore) Notifications() []NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NotificationRecord, len(s.notifications))
	copy(out, s.notifications)
	return out
}
