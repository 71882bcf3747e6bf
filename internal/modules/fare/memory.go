// README: In-memory invoice and payment store for tests and single-node runs.
package fare

import (
	"context"
	"sort"
	"sync"
	"time"

	"cabcore/internal/types"
)

type MemoryInvoiceStore struct {
	mu       sync.Mutex
	byRide   map[types.ID]*Invoice
	payments map[types.ID]*Payment
}

func NewMemoryInvoiceStore() *MemoryInvoiceStore {
	return &MemoryInvoiceStore{
		byRide:   make(map[types.ID]*Invoice),
		payments: make(map[types.ID]*Payment),
	}
}

var _ Ledger = (*MemoryInvoiceStore)(nil)

func (s *MemoryInvoiceStore) Create(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byRide[inv.RideID]; ok {
		return ErrInvoiceExists
	}
	stored := *inv
	s.byRide[inv.RideID] = &stored
	return nil
}

func (s *MemoryInvoiceStore) ByID(_ context.Context, id types.ID) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.find(id)
	if inv == nil {
		return nil, ErrNotFound
	}
	out := *inv
	return &out, nil
}

func (s *MemoryInvoiceStore) ByRide(_ context.Context, rideID types.ID) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byRide[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *inv
	return &out, nil
}

func (s *MemoryInvoiceStore) ByCustomer(_ context.Context, customerID types.ID, page, size int) (InvoicePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Invoice
	for _, inv := range s.byRide {
		if inv.CustomerID == customerID {
			all = append(all, *inv)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	p := InvoicePage{Items: []Invoice{}, Page: page, Size: size, Total: len(all)}
	start := page * size
	if start >= len(all) {
		return p, nil
	}
	end := min(start+size, len(all))
	p.Items = all[start:end]
	return p, nil
}

func (s *MemoryInvoiceStore) SetStatus(_ context.Context, id types.ID, from, to InvoiceStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.find(id)
	if inv == nil {
		return false, ErrNotFound
	}
	if inv.Status != from {
		return false, nil
	}
	inv.Status = to
	return true, nil
}

func (s *MemoryInvoiceStore) CreatePayment(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.payments {
		if existing.InvoiceID == p.InvoiceID && existing.Status != PaymentFailed {
			return ErrPaymentExists
		}
	}
	stored := *p
	s.payments[p.ID] = &stored
	return nil
}

func (s *MemoryInvoiceStore) PaymentByTransaction(_ context.Context, transactionID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.TransactionID == transactionID {
			out := *p
			return &out, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (s *MemoryInvoiceStore) SetPaymentStatus(_ context.Context, id types.ID, from, to PaymentStatus, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return false, ErrPaymentNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.FailureReason = reason
	p.ProcessedAt = &at
	return true, nil
}

func (s *MemoryInvoiceStore) find(id types.ID) *Invoice {
	for _, inv := range s.byRide {
		if inv.ID == id {
			return inv
		}
	}
	return nil
}
