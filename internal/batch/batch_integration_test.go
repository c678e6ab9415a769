//go:build integration

package batch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

func setupValkey(t *testing.T) valkey.Client {
	t.Helper()
	addr := os.Getenv("TEST_VALKEY_ADDR")
	if addr == "" {
		t.Fatal("TEST_VALKEY_ADDR not set")
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		t.Skipf("valkey not available: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestValkeySubmitDedupes(t *testing.T) {
	ctx := context.Background()
	client := setupValkey(t)
	v := NewValkey(client, 5*time.Second)

	queue := "it-" + uuid.NewString()
	job := Job{Name: "agha_validation__" + uuid.NewString(), Queue: queue}

	ok, err := Submit(ctx, v, job)
	if err != nil || !ok {
		t.Fatalf("first Submit = %v, %v", ok, err)
	}
	ok, err = Submit(ctx, v, job)
	if err != nil || ok {
		t.Fatalf("second Submit = %v, %v; want dropped", ok, err)
	}

	n, err := client.Do(ctx, client.B().Xlen().Key(StreamName(queue)).Build()).AsInt64()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("stream length = %d, want 1", n)
	}
	client.Do(ctx, client.B().Del().Key(StreamName(queue)).Build())
}
