package accounts

import (
	"slices"
	"sync/atomic"

	"github.com/go-faster/errors"

	"session-web/internal/infra/config"
)

// ErrNoCredentials — пул API-ключей пуст.
var ErrNoCredentials = errors.New("no API credentials available")

// Pool раздаёт пары api_id/api_hash по кругу. Безопасен для конкурентного использования.
type Pool struct {
	pairs []config.APIPair
	next  atomic.Uint64
}

// NewPool создаёт пул из валидных пар; невалидные отбрасываются.
func NewPool(pairs []config.APIPair) *Pool {
	valid := slices.DeleteFunc(slices.Clone(pairs), func(p config.APIPair) bool { return !p.Valid() })
	return &Pool{pairs: valid}
}

// Next возвращает следующую пару по кругу.
func (p *Pool) Next() (config.APIPair, error) {
	if len(p.pairs) == 0 {
		return config.APIPair{}, ErrNoCredentials
	}
	i := (p.next.Add(1) - 1) % uint64(len(p.pairs))
	return p.pairs[i], nil
}

// Len — число пар в пуле.
func (p *Pool) Len() int { return len(p.pairs) }

// IDs возвращает api_id всех пар (без секретов) для диагностики.
func (p *Pool) IDs() []int {
	ids := make([]int, 0, len(p.pairs))
	for _, pair := range p.pairs {
		ids = append(ids, pair.APIID)
	}
	return ids
}
