// README: Promo code lookup; codes are matched case-insensitively.
package fare

import (
	"context"
	"strings"
	"sync"
)

type PromoLookup interface {
	Lookup(ctx context.Context, code string) (Promo, bool, error)
}

// StaticPromos serves promo fixtures from memory.
type StaticPromos struct {
	mu     sync.RWMutex
	promos map[string]Promo
}

func NewStaticPromos(promos ...Promo) *StaticPromos {
	s := &StaticPromos{promos: make(map[string]Promo, len(promos))}
	for _, p := range promos {
		s.Put(p)
	}
	return s
}

func (s *StaticPromos) Put(p Promo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Code = strings.ToUpper(p.Code)
	s.promos[p.Code] = p
}

func (s *StaticPromos) Lookup(_ context.Context, code string) (Promo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.promos[strings.ToUpper(strings.TrimSpace(code))]
	return p, ok, nil
}
