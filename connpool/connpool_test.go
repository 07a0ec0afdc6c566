package connpool

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeConn struct {
	closed bool
}

func (c *fakeConn) Close() error { c.closed = true; return nil }

func TestPoolReusesPutConnections(t *testing.T) {
	dials := 0
	factory := func(context.Context, string) (Conn, error) {
		dials++
		return &fakeConn{}, nil
	}
	p := NewPool("ep1", factory, 2)

	c, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	p.Put(c)

	c2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get2: %v", err)
	}
	if dials != 1 {
		t.Fatalf("expected 1 dial (reused pooled conn), got %d", dials)
	}
	p.Put(c2)
}

func TestPoolBlacklistDrainsFreeList(t *testing.T) {
	factory := func(context.Context, string) (Conn, error) { return &fakeConn{}, nil }
	p := NewPool("ep1", factory, 2)
	c, _ := p.Get(context.Background())
	fc := c.(*fakeConn)
	p.Put(c)

	p.Blacklist(time.Minute)
	if !p.Blacklisted() {
		t.Fatalf("expected blacklisted")
	}
	if !fc.closed {
		t.Fatalf("expected free connection closed on blacklist")
	}
}

func TestGroupRotatesAwayFromBlacklistedPool(t *testing.T) {
	factory := func(context.Context, string) (Conn, error) { return &fakeConn{}, nil }
	good := NewPool("good", factory, 2)
	bad := NewPool("bad", func(context.Context, string) (Conn, error) {
		return nil, errors.New("dial refused")
	}, 2)
	bad.Blacklist(time.Minute)

	g := NewGroup([]*Pool{bad, good}, time.Minute)
	called := 0
	err := g.WithConn(context.Background(), func(Conn) error {
		called++
		return nil
	})
	if err != nil {
		t.Fatalf("with conn: %v", err)
	}
	if called != 1 {
		t.Fatalf("expected exactly 1 successful call, got %d", called)
	}
}
