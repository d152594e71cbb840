package natsbus

import (
	"context"
	"testing"
)

func TestConnectRequiresURL(t *testing.T) {
	if _, err := Connect(" ", "wheelwright", nil); err == nil {
		t.Fatalf("Connect() err=nil, want error")
	}
}

func TestConnectUnreachable(t *testing.T) {
	if _, err := Connect("nats://127.0.0.1:1", "wheelwright", nil); err == nil {
		t.Fatalf("Connect() err=nil, want connection error")
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	p := &Publisher{}
	if err := p.Publish(context.Background(), "wheel.published", []byte("{}")); err == nil {
		t.Fatalf("Publish() err=nil, want not connected")
	}
	p.Close()
}
