// Package notify adapts the ledger's outbound events onto the message broker.
package notify

import (
	"context"
	"time"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/service"
	"github.com/punchamoorthee/ledgerguard/pkg/rabbitmq"
)

const (
	Exchange = "ledger_events"

	RoutingOTPRequested    = "notification.otp.requested"
	RoutingTransferDebited = "transfer.debited"
	RoutingTransferCredit  = "transfer.credited"
)

// OTPRequested is consumed by the delivery service, which owns the email and
// SMS templates.
type OTPRequested struct {
	Destination string                  `json:"destination"`
	Code        string                  `json:"code"`
	Purpose     domain.ChallengePurpose `json:"purpose"`
	RequestedAt time.Time               `json:"requested_at"`
}

type Broker struct {
	publisher rabbitmq.Publisher
}

func NewBroker(p rabbitmq.Publisher) *Broker {
	return &Broker{publisher: p}
}

func (b *Broker) SendCode(ctx context.Context, destination, code string, purpose domain.ChallengePurpose) error {
	return b.publisher.Publish(ctx, Exchange, RoutingOTPRequested, OTPRequested{
		Destination: destination,
		Code:        code,
		Purpose:     purpose,
		RequestedAt: time.Now().UTC(),
	})
}

func (b *Broker) NotifyTransfer(ctx context.Context, ev service.TransferNotification) error {
	key := RoutingTransferCredit
	if ev.Kind == "debit" {
		key = RoutingTransferDebited
	}
	return b.publisher.Publish(ctx, Exchange, key, ev)
}
