package flash

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Receiver is the untrusted callback target of a flash operation. The
// engine funds it, invokes OnFlashOp, then settles; when settlement is
// refused or fails, the engine reclaims the principal directly from the
// receiver's balance.
type Receiver interface {
	// Address is the ledger address funds are minted or transferred to.
	Address() common.Address

	// OnFlashOp is invoked after funding. The receiver must approve the
	// engine for amount+fee before returning true; returning false
	// aborts and rolls back the operation.
	OnFlashOp(initiator, asset common.Address, amount, fee *big.Int, data []byte) bool
}

var ErrUnknownReceiver = errors.New("flash: unknown receiver")

// ReceiverRegistry maps names to in-process receivers so API-initiated
// flash operations can address them.
type ReceiverRegistry struct {
	mu        sync.RWMutex
	receivers map[string]Receiver
}

func NewReceiverRegistry() *ReceiverRegistry {
	return &ReceiverRegistry{receivers: make(map[string]Receiver)}
}

func (r *ReceiverRegistry) Register(name string, recv Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receivers[name] = recv
}

func (r *ReceiverRegistry) Get(name string) (Receiver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recv, ok := r.receivers[name]
	if !ok {
		return nil, ErrUnknownReceiver
	}
	return recv, nil
}
