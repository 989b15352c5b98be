package tunnel

import (
	"context"
	"sort"
	"sync"
	"time"
)

type storedResponse struct {
	resp      Response
	expiresAt time.Time
}

// MemoryStore is a Store for a caller and worker sharing one process.
// Responses nobody consumes are dropped after ttl.
type MemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	requests  map[string]Request
	claims    map[string]bool
	responses map[string]storedResponse

	responseSubs map[string]map[*subscription[Response]]struct{}
	requestSubs  map[*subscription[Request]]struct{}
}

func NewMemoryStore(responseTTL time.Duration) *MemoryStore {
	if responseTTL <= 0 {
		responseTTL = 15 * time.Minute
	}
	return &MemoryStore{
		ttl:          responseTTL,
		now:          time.Now,
		requests:     make(map[string]Request),
		claims:       make(map[string]bool),
		responses:    make(map[string]storedResponse),
		responseSubs: make(map[string]map[*subscription[Response]]struct{}),
		requestSubs:  make(map[*subscription[Request]]struct{}),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return ErrAlreadyExists
	}
	// A response left under a reused id would shadow the new answer.
	delete(m.responses, req.ID)
	m.requests[req.ID] = req
	for sub := range m.requestSubs {
		sub.deliver(req)
	}
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (m *MemoryStore) DeleteRequest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, id)
	delete(m.claims, id)
	return nil
}

func (m *MemoryStore) ClaimRequest(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[id]; !ok {
		return false, ErrNotFound
	}
	if m.claims[id] {
		return false, nil
	}
	m.claims[id] = true
	return true, nil
}

func (m *MemoryStore) WriteResponse(_ context.Context, resp Response) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	if _, ok := m.responses[resp.ID]; ok {
		return false, nil
	}
	m.responses[resp.ID] = storedResponse{resp: resp, expiresAt: m.now().Add(m.ttl)}
	for sub := range m.responseSubs[resp.ID] {
		sub.deliver(resp)
	}
	return true, nil
}

func (m *MemoryStore) expireLocked() {
	now := m.now()
	for id, r := range m.responses {
		if now.After(r.expiresAt) {
			delete(m.responses, id)
		}
	}
}

func (m *MemoryStore) DeleteResponse(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.responses, id)
	return nil
}

func (m *MemoryStore) WatchResponse(ctx context.Context, id string) (<-chan Response, error) {
	sub := newSubscription[Response](ctx)

	m.mu.Lock()
	if m.responseSubs[id] == nil {
		m.responseSubs[id] = make(map[*subscription[Response]]struct{})
	}
	m.responseSubs[id][sub] = struct{}{}
	if r, ok := m.responses[id]; ok {
		sub.deliver(r.resp)
	}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.responseSubs[id], sub)
		if len(m.responseSubs[id]) == 0 {
			delete(m.responseSubs, id)
		}
		m.mu.Unlock()
	}()
	return sub.out, nil
}

func (m *MemoryStore) WatchRequests(ctx context.Context) (<-chan Request, error) {
	sub := newSubscription[Request](ctx)

	m.mu.Lock()
	pending := make([]Request, 0, len(m.requests))
	for id, req := range m.requests {
		if !m.claims[id] {
			pending = append(pending, req)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	for _, req := range pending {
		sub.deliver(req)
	}
	m.requestSubs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.requestSubs, sub)
		m.mu.Unlock()
	}()
	return sub.out, nil
}
