package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer abc ,broken, =empty,x-team=lending,")
	if len(headers) != 2 {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if headers["authorization"] != "Bearer abc" || headers["x-team"] != "lending" {
		t.Fatalf("unexpected headers: %v", headers)
	}
}

func TestInitValidatesConfig(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name error")
	}
	if _, err := Init(context.Background(), Config{ServiceName: "lendingd", SampleRatio: 2}); err == nil {
		t.Fatalf("expected sample ratio error")
	}
}

func TestInitWithoutSignals(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "lendingd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if Tracer() == nil {
		t.Fatalf("expected tracer")
	}
}
