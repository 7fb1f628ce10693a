package escrow

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/money"
)

// MemoryStore is an in-memory escrow store for demo mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if !matchesFilter(rec, filter) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}

	// Newest first; the ID breaks creation-time ties so pagination is
	// stable across requests.
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Cursor != nil {
		cut := 0
		for cut < len(result) {
			r := result[cut]
			if r.CreatedAt.Before(filter.Cursor.CreatedAt) ||
				(r.CreatedAt.Equal(filter.Cursor.CreatedAt) && r.ID < filter.Cursor.ID) {
				break
			}
			cut++
		}
		result = result[cut:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchesFilter(rec *Record, f Filter) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.Party != "" && rec.PayerAddress != f.Party && rec.PayeeAddress != f.Party && rec.BuyerAddress != f.Party {
		return false
	}
	if f.Chain != "" && rec.PaymentChain != f.Chain && rec.AssetChain != f.Chain {
		return false
	}
	return true
}

func (m *MemoryStore) ListNonTerminal(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.IsTerminal() {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int64)
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) SumHeldByChain(ctx context.Context) (map[string]*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	held := make(map[string]*big.Int)
	for _, rec := range m.records {
		if !holdsFunds(rec) {
			continue
		}
		amt, ok := money.Parse(rec.PaidAmount)
		if !ok || amt.Sign() == 0 {
			continue
		}
		cur, exists := held[rec.PaymentChain]
		if !exists {
			cur = big.NewInt(0)
			held[rec.PaymentChain] = cur
		}
		cur.Add(cur, amt)
	}
	return held, nil
}

var _ Store = (*MemoryStore)(nil)
