package throttle

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/acme/masked-call/internal/domain"
)

func TestKeyHidesNumber(t *testing.T) {
	owner, _ := domain.ParsePhoneNumber("+911234567890")
	key := Key("maskedcall", owner)
	if strings.Contains(key, "1234567890") {
		t.Fatalf("key leaks number: %s", key)
	}
	if key != Key("maskedcall", owner) {
		t.Fatalf("key must be stable")
	}
}

func TestLocalWindow(t *testing.T) {
	owner, _ := domain.ParsePhoneNumber("+911234567890")
	other, _ := domain.ParsePhoneNumber("+911234567891")

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal(2, time.Minute)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, owner); !ok {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, owner); ok {
		t.Fatalf("third call should be throttled")
	}
	if ok, _ := l.Allow(ctx, other); !ok {
		t.Fatalf("other owners are independent")
	}

	now = now.Add(time.Minute)
	if ok, _ := l.Allow(ctx, owner); !ok {
		t.Fatalf("window should reset")
	}
}

func TestDisabled(t *testing.T) {
	owner, _ := domain.ParsePhoneNumber("+911234567890")
	l := NewLocal(0, time.Minute)
	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow(context.Background(), owner); !ok {
			t.Fatalf("disabled throttle must allow")
		}
	}
}
