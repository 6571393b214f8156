package memory

import (
	"context"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/service/ledger"
)

// SendRepo implements ledger.Repository in memory.
type SendRepo struct{ s *Store }

var _ ledger.Repository = (*SendRepo)(nil)

func (r *SendRepo) Create(_ context.Context, send *domain.EmailSend) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.sends[send.ID]; ok {
		return false, nil
	}
	r.s.sends[send.ID] = cloneSend(send)
	return true, nil
}

func (r *SendRepo) Get(_ context.Context, id string) (*domain.EmailSend, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	send, ok := r.s.sends[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return cloneSend(send), nil
}

func (r *SendRepo) GetByProviderMessageID(_ context.Context, providerMessageID string) (*domain.EmailSend, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.byProvider[providerMessageID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return cloneSend(r.s.sends[id]), nil
}

func (r *SendRepo) MarkSent(_ context.Context, id, providerMessageID string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	send, ok := r.s.sends[id]
	if !ok || send.Status != domain.SendPending {
		return false, nil
	}
	send.Status = domain.SendSent
	send.ProviderMessageID = &providerMessageID
	if send.SentAt == nil {
		send.SentAt = &at
	}
	send.UpdatedAt = at
	r.s.byProvider[providerMessageID] = id
	return true, nil
}

func (r *SendRepo) MarkFailed(_ context.Context, id, message string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	send, ok := r.s.sends[id]
	if !ok || send.Status != domain.SendPending {
		return false, nil
	}
	send.Status = domain.SendFailed
	send.ErrorMessage = &message
	send.UpdatedAt = at
	return true, nil
}

func (r *SendRepo) Apply(_ context.Context, id string, m ledger.Mutation) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	send, ok := r.s.sends[id]
	if !ok {
		return false, nil
	}
	return m.ApplyTo(send), nil
}

func (r *SendRepo) AppendEvent(_ context.Context, e *domain.EmailEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.events[e.EmailSendID] = append(r.s.events[e.EmailSendID], *e)
	return nil
}

func (r *SendRepo) ListEvents(_ context.Context, sendID string) ([]domain.EmailEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]domain.EmailEvent(nil), r.s.events[sendID]...), nil
}
