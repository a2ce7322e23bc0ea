package p2p

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMeshPerPublisherFIFO(t *testing.T) {
	mesh := NewMesh()
	a := mesh.NewTransport("a")
	b := mesh.NewTransport("b")
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	const total = 50
	b.OnMessage(func(from string, data []byte) {
		mu.Lock()
		got = append(got, string(data))
		if len(got) == total {
			close(done)
		}
		mu.Unlock()
	})
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer a.Stop(ctx)
	defer b.Stop(ctx)
	for i := 0; i < total; i++ {
		if err := a.Publish(ctx, []byte(fmt.Sprintf("m%03d", i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("messages not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, m := range got {
		if m != fmt.Sprintf("m%03d", i) {
			t.Fatalf("message %d out of order: %q", i, m)
		}
	}
}

func TestMeshPeerEventsAndSelfFilter(t *testing.T) {
	mesh := NewMesh()
	a := mesh.NewTransport("a")
	b := mesh.NewTransport("b")
	joined := make(chan string, 4)
	left := make(chan string, 4)
	selfHeard := make(chan struct{}, 1)
	a.OnPeerJoined(func(id string) { joined <- id })
	a.OnPeerLeft(func(id string) { left <- id })
	a.OnMessage(func(string, []byte) { selfHeard <- struct{}{} })
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop(ctx)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	select {
	case id := <-joined:
		if id != "b" {
			t.Fatalf("joined %q, want b", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no join event")
	}
	if err := a.Publish(ctx, []byte("own")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-selfHeard:
		t.Fatal("transport delivered own publication back")
	case <-time.After(100 * time.Millisecond):
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("stop b: %v", err)
	}
	select {
	case id := <-left:
		if id != "b" {
			t.Fatalf("left %q, want b", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no leave event")
	}
}

func TestMeshDuplicateDelivery(t *testing.T) {
	mesh := NewMesh()
	mesh.Duplicate = true
	a := mesh.NewTransport("a")
	b := mesh.NewTransport("b")
	count := make(chan struct{}, 8)
	b.OnMessage(func(string, []byte) { count <- struct{}{} })
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer a.Stop(ctx)
	defer b.Stop(ctx)
	if err := a.Publish(ctx, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-count:
		case <-time.After(5 * time.Second):
			t.Fatalf("delivery %d missing", i+1)
		}
	}
}
