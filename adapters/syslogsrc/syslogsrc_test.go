package syslogsrc

import (
	"context"
	"net"
	"testing"
	"time"

	"conduit/pkg/conduit/batch"
	"conduit/pkg/conduit/ring"
)

func mustRing(t *testing.T, elemType batch.ElementType, ringExpo, batchExpo uint) *ring.Buffer {
	t.Helper()
	b, err := ring.New(ring.Config{ElementType: elemType, RingExpo: ringExpo, BatchExpo: batchExpo, Overflow: ring.Block})
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	return b
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestSyslogFramesLinesIntoBatches(t *testing.T) {
	out := mustRing(t, batch.F64, 3, 2) // batch_capacity = 4
	addr := freeAddr(t)

	s := New("syslog-in", batch.F64, Config{ListenAddr: addr, IdleFlush: 100 * time.Millisecond})
	if err := s.Connect(0, out); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, line := range []string{"1\n", "2\n", "3\n"} {
		if _, err := conn.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		b, err := out.GetTail(50_000)
		if err != nil {
			continue
		}
		if b.Head != 3 {
			out.DelTail()
			t.Fatalf("expected idle-flushed batch of 3 samples, got %d", b.Head)
		}
		vals := b.Float64s()[:3]
		if vals[0] != 1 || vals[1] != 2 || vals[2] != 3 {
			t.Fatalf("unexpected samples: %v", vals)
		}
		out.DelTail()
		return
	}
	t.Fatal("timed out waiting for idle-flushed batch")
}
