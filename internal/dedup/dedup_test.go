package dedup

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNew_MissingURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if _, err := New(context.Background()); !errors.Is(err, ErrMissingURL) {
		t.Errorf("expected ErrMissingURL, got %v", err)
	}
}

func TestNew_InvalidURL(t *testing.T) {
	if _, err := New(context.Background(), WithURL("not-a-url")); err == nil {
		t.Error("expected parse error")
	}
}

func TestNewWithClient_Defaults(t *testing.T) {
	d := NewWithClient(nil, 0, "p:")
	if d.ttl != DefaultTTL {
		t.Errorf("ttl = %v", d.ttl)
	}
	if d.key("wamid.1") != "p:wamid.1" {
		t.Errorf("key = %q", d.key("wamid.1"))
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close on wrapped client should be a no-op: %v", err)
	}
}

func TestRedisDeduper_RecordAndForget(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	d, err := New(ctx, WithURL(url), WithTTL(time.Minute), WithKeyPrefix("coachpipe:test:"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer d.Close()

	id := uuid.NewString()
	defer d.ForgetInbound(ctx, id)

	fresh, err := d.RecordInbound(ctx, id, "+15550107000")
	if err != nil || !fresh {
		t.Fatalf("first RecordInbound = %v, %v", fresh, err)
	}
	fresh, err = d.RecordInbound(ctx, id, "+15550107000")
	if err != nil || fresh {
		t.Fatalf("second RecordInbound = %v, %v (want duplicate)", fresh, err)
	}
	if err := d.ForgetInbound(ctx, id); err != nil {
		t.Fatalf("ForgetInbound failed: %v", err)
	}
	fresh, err = d.RecordInbound(ctx, id, "+15550107000")
	if err != nil || !fresh {
		t.Errorf("RecordInbound after forget = %v, %v", fresh, err)
	}
}
