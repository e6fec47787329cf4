// Package conversationtest provides an in-memory collaborator for tests that
// drive conversations.
package conversationtest

import (
	"context"
	"sync"

	"github.com/ssd-technologies/attest/internal/conversation"
	"github.com/ssd-technologies/attest/internal/model"
)

// Recorder is an in-memory Ledger and Notifier that keeps everything it is
// given, in delivery order.
type Recorder struct {
	mu        sync.Mutex
	messages  []conversation.Message
	payments  []model.PaymentRelease
	revisions []model.RevisionRequest
}

func (r *Recorder) ReleasePayment(_ context.Context, p model.PaymentRelease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, p)
	return nil
}

func (r *Recorder) Deliver(_ context.Context, m conversation.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return nil
}

func (r *Recorder) RequestRevision(_ context.Context, rev model.RevisionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revisions = append(r.revisions, rev)
	return nil
}

// Payments returns the recorded payment releases.
func (r *Recorder) Payments() []model.PaymentRelease {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.PaymentRelease(nil), r.payments...)
}

// Revisions returns the recorded revision requests.
func (r *Recorder) Revisions() []model.RevisionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.RevisionRequest(nil), r.revisions...)
}

// Messages returns the delivered messages.
func (r *Recorder) Messages() []conversation.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conversation.Message(nil), r.messages...)
}
