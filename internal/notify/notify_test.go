package notify

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/service"
)

type published struct {
	exchange, key string
	body          any
}

type publisherStub struct {
	sent []published
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	p.sent = append(p.sent, published{exchange, routingKey, body})
	return nil
}

func (p *publisherStub) Close() {}

func TestBroker_RoutesEvents(t *testing.T) {
	pub := &publisherStub{}
	b := NewBroker(pub)

	if err := b.SendCode(context.Background(), "+962790000000", "123456", domain.PurposeHighValueTransfer); err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	for _, kind := range []string{"debit", "credit"} {
		if err := b.NotifyTransfer(context.Background(), service.TransferNotification{
			TransferID: id, AccountID: "100000000001", Kind: kind, Amount: decimal.NewFromInt(5), Currency: domain.CurrencyJOD,
		}); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{RoutingOTPRequested, RoutingTransferDebited, RoutingTransferCredit}
	if len(pub.sent) != len(want) {
		t.Fatalf("sent=%d", len(pub.sent))
	}
	for i, key := range want {
		if pub.sent[i].exchange != Exchange || pub.sent[i].key != key {
			t.Fatalf("event %d: %s/%s want %s/%s", i, pub.sent[i].exchange, pub.sent[i].key, Exchange, key)
		}
	}
	otp, ok := pub.sent[0].body.(OTPRequested)
	if !ok || otp.Code != "123456" || otp.Purpose != domain.PurposeHighValueTransfer {
		t.Fatalf("otp body=%+v", pub.sent[0].body)
	}
}
