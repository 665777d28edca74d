package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corvidmail/submit/mlog"
)

func TestPoolReuse(t *testing.T) {
	var opened, discarded int32
	log := mlog.New("pooltest")
	p := New(log, 1, false, 0, 0,
		func(ctx context.Context) (int, error) {
			atomic.AddInt32(&opened, 1)
			return int(atomic.LoadInt32(&opened)), nil
		},
		func(conn int) bool { return true },
		func(conn int) { atomic.AddInt32(&discarded, 1) },
	)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		conn, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if conn != 1 {
			t.Fatalf("expected reused connection 1, got %d", conn)
		}
		if n := p.NumOpen(); n != 1 {
			t.Fatalf("expected numOpen 1, got %d", n)
		}
		p.Recycle(conn)
	}
	if opened != 1 {
		t.Fatalf("expected exactly 1 dial, got %d", opened)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := p.NumOpen(); n != 0 {
		t.Fatalf("expected numOpen 0 after close, got %d", n)
	}
}

func TestPoolAcquireTimeout(t *testing.T) {
	log := mlog.New("pooltest")
	p := New(log, 1, false, 0, 0,
		func(ctx context.Context) (int, error) { return 1, nil },
		func(conn int) bool { return true },
		func(conn int) {},
	)

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(tctx); err != ErrAcquireTimeout {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}

	p.Recycle(conn)
}

func TestPoolFIFOWaiter(t *testing.T) {
	log := mlog.New("pooltest")
	p := New(log, 1, false, 0, 0,
		func(ctx context.Context) (int, error) { return 1, nil },
		func(conn int) bool { return true },
		func(conn int) {},
	)

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan int, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("waiter acquire: %v", err)
			return
		}
		got <- c
	}()

	time.Sleep(10 * time.Millisecond) // Let the waiter queue up.
	p.Recycle(conn)

	select {
	case c := <-got:
		if c != conn {
			t.Fatalf("expected waiter to receive recycled connection %d, got %d", conn, c)
		}
		p.Recycle(c)
	case <-time.After(time.Second):
		t.Fatal("waiter never received a connection")
	}
}

func TestPoolEvictUnhealthy(t *testing.T) {
	var discarded int32
	log := mlog.New("pooltest")
	p := New(log, 1, false, 0, 0,
		func(ctx context.Context) (int, error) { return 1, nil },
		func(conn int) bool { return false },
		func(conn int) { atomic.AddInt32(&discarded, 1) },
	)

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Recycle(conn)
	if discarded != 1 {
		t.Fatalf("expected unhealthy connection to be discarded, got %d discards", discarded)
	}
	if n := p.NumOpen(); n != 0 {
		t.Fatalf("expected numOpen 0, got %d", n)
	}

	// Pool has room again.
	if _, err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire after evict: %v", err)
	}
}
