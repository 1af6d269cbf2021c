package accounts

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// RawAccount is undecoded account data observed at Slot.
type RawAccount struct {
	Address solana.PublicKey
	Owner   solana.PublicKey
	Data    []byte
	Slot    uint64
}

// Update is one subscription delivery. A non-nil Err is terminal: the channel
// closes right after it.
type Update struct {
	Account RawAccount
	Err     error
}

type Subscription interface {
	Updates() <-chan Update
	Close() error
}

// Provider is a source of account state. Implementations poll or push but
// never decode.
type Provider interface {
	Endpoint() string
	// Fetch returns ErrNotFound for missing accounts and a TransportError for
	// connectivity failures.
	Fetch(ctx context.Context, address solana.PublicKey) (RawAccount, error)
	Subscribe(ctx context.Context, address solana.PublicKey) (Subscription, error)
	Close() error
}

const subscriberBuffer = 32

type subscriber struct {
	address solana.PublicKey
	updates chan Update
	detach  func(*subscriber)

	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func newSubscriber(address solana.PublicKey, detach func(*subscriber)) *subscriber {
	return &subscriber{address: address, updates: make(chan Update, subscriberBuffer), detach: detach}
}

func (s *subscriber) Updates() <-chan Update { return s.updates }

func (s *subscriber) Close() error {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach(s)
		}
		s.finish(nil)
	})
	return nil
}

// offer never blocks the provider. When the buffer is full the oldest update
// is dropped; a newer slot supersedes it anyway.
func (s *subscriber) offer(update Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- update:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- update:
	default:
	}
}

// finish closes the channel, delivering err first when it is non-nil.
func (s *subscriber) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err != nil {
		select {
		case s.updates <- Update{Err: err}:
		default:
			select {
			case <-s.updates:
			default:
			}
			s.updates <- Update{Err: err}
		}
	}
	s.closed = true
	close(s.updates)
}
