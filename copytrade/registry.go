package copytrade

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/types"
)

// Registry holds tracked leader wallets keyed by lower-cased address.
// Add/remove propagate to both the trade-detector feed and the allocation
// calculator by virtue of reading straight from this map (spec §4.F
// "Registry").
type Registry struct {
	mu      sync.RWMutex
	wallets map[string]*types.TrackedWallet
}

// NewRegistry constructs an empty wallet registry.
func NewRegistry() *Registry {
	return &Registry{wallets: make(map[string]*types.TrackedWallet)}
}

// Add inserts or replaces a tracked wallet, lower-casing its address.
func (r *Registry) Add(w types.TrackedWallet) {
	w.Address = strings.ToLower(w.Address)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wallets[w.Address] = &w
}

// Remove drops a tracked wallet.
func (r *Registry) Remove(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.wallets, strings.ToLower(address))
}

// Get returns the tracked wallet for address, if any.
func (r *Registry) Get(address string) (*types.TrackedWallet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[strings.ToLower(address)]
	return w, ok
}

// Enabled returns every enabled tracked wallet.
func (r *Registry) Enabled() []*types.TrackedWallet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.TrackedWallet, 0, len(r.wallets))
	for _, w := range r.wallets {
		if w.Enabled {
			out = append(out, w)
		}
	}
	return out
}

// AddCopiedValue accumulates notional mirrored from address into its
// lifetime total, the risk-adjusted allocation strategy's Kelly
// denominator (spec §4.F).
func (r *Registry) AddCopiedValue(address string, value decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.wallets[strings.ToLower(address)]; ok {
		w.TotalCopiedValue = w.TotalCopiedValue.Add(value)
	}
}

// Addresses returns every tracked address (for feed subscription).
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.wallets))
	for addr := range r.wallets {
		out = append(out, addr)
	}
	return out
}
