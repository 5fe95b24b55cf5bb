package email

import (
	"context"
	"strings"
	"testing"

	smtpmock "github.com/mocktools/go-smtp-mock/v2"
	"go.uber.org/zap"
)

func TestSMTPSenderDeliversReply(t *testing.T) {
	server := smtpmock.New(smtpmock.ConfigurationAttr{
		LogToStdout:       false,
		LogServerActivity: false,
	})
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { server.Stop() })

	sender := NewSMTPSender("127.0.0.1", server.PortNumber(), "", "", "noreply@gateway.example.com", zap.NewNop())
	err := sender.Send(context.Background(), "supplier@example.com", "Re: January price list", "File prices.csv processed.")
	if err != nil {
		t.Fatal(err)
	}

	msgs := server.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(msgs))
	}
	req := msgs[0].MsgRequest()
	if !strings.Contains(req, "Subject: Re: January price list") {
		t.Errorf("subject missing from message:\n%s", req)
	}
	if !strings.Contains(req, "File prices.csv processed.") {
		t.Errorf("body missing from message:\n%s", req)
	}
}

func TestSMTPSenderHonorsCancellation(t *testing.T) {
	// Unroutable address: the dial blocks until the context fires.
	sender := NewSMTPSender("10.255.255.1", 25, "", "", "noreply@gateway.example.com", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sender.Send(ctx, "x@example.com", "s", "b"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
