package foc

import (
	"net"
	"testing"
	"time"

	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/cluster"
)

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(func(ns string) (Backend, error) { return NewMemBackend(), nil })
	go srv.Serve(ln)
	return ln.Addr().String(), func() { ln.Close() }
}

func TestClientSyncAddAndGetSCO(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cfg := cmn.Default()
	var degraded error
	cl, err := NewClient(addr, RegisterPayload{Namespace: "ns1", ClusterSize: 4096, OwnerTag: 1}, ModeSync, cfg, func(err error) { degraded = err })
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cl.Close()

	entries := []WireEntry{
		{CL: cluster.CL{SCONumber: 1, SCOOffset: 0}, LBA: 10, Data: []byte("hello")},
		{CL: cluster.CL{SCONumber: 1, SCOOffset: 1}, LBA: 11, Data: []byte("world")},
	}
	if err := cl.AddEntries(entries); err != nil {
		t.Fatalf("add entries: %v", err)
	}
	got, err := cl.GetSCO(1)
	if err != nil {
		t.Fatalf("get sco: %v", err)
	}
	if len(got) != 2 || string(got[0].Data) != "hello" || string(got[1].Data) != "world" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	if degraded != nil {
		t.Fatalf("unexpected degraded callback: %v", degraded)
	}
}

func TestClientRegisterFencedByLowerOwnerTag(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()
	cfg := cmn.Default()

	first, err := NewClient(addr, RegisterPayload{Namespace: "ns1", ClusterSize: 4096, OwnerTag: 5}, ModeSync, cfg, nil)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	defer first.Close()

	_, err = NewClient(addr, RegisterPayload{Namespace: "ns1", ClusterSize: 4096, OwnerTag: 1}, ModeSync, cfg, nil)
	if err == nil {
		t.Fatalf("expected fenced error for stale owner tag")
	}
	if !cmn.IsKind(err, cmn.KindFenced) {
		t.Fatalf("expected KindFenced, got %v", err)
	}
}

func TestClientAddEntriesFencedAfterEviction(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()
	cfg := cmn.Default()

	stale, err := NewClient(addr, RegisterPayload{Namespace: "ns4", ClusterSize: 4096, OwnerTag: 1}, ModeSync, cfg, nil)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	defer stale.Close()

	fresh, err := NewClient(addr, RegisterPayload{Namespace: "ns4", ClusterSize: 4096, OwnerTag: 2}, ModeSync, cfg, nil)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	defer fresh.Close()

	err = stale.AddEntries([]WireEntry{{CL: cluster.CL{SCONumber: 1}, LBA: 1, Data: []byte("x")}})
	if err == nil {
		t.Fatalf("expected fenced error from evicted owner")
	}
	if !cmn.IsKind(err, cmn.KindFenced) {
		t.Fatalf("expected KindFenced, got %v", err)
	}

	if err := fresh.AddEntries([]WireEntry{{CL: cluster.CL{SCONumber: 1}, LBA: 1, Data: []byte("y")}}); err != nil {
		t.Fatalf("current owner add entries: %v", err)
	}
}

func TestClientAsyncFlushDrainsBuffer(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()
	cfg := cmn.Default()
	cfg.DTLWriteTrigger = 100

	cl, err := NewClient(addr, RegisterPayload{Namespace: "ns2", ClusterSize: 4096, OwnerTag: 1}, ModeAsync, cfg, nil)
	if err != nil {
		t.Fatalf("new async client: %v", err)
	}
	defer cl.Close()

	if err := cl.AddEntries([]WireEntry{{CL: cluster.CL{SCONumber: 2}, LBA: 1, Data: []byte("x")}}); err != nil {
		t.Fatalf("add entries: %v", err)
	}
	if err := cl.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, err := cl.GetSCO(2)
	if err != nil {
		t.Fatalf("get sco: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry after flush, got %d", len(got))
	}
}

func TestClientGetRangeEmptyNamespace(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()
	cfg := cmn.Default()

	cl, err := NewClient(addr, RegisterPayload{Namespace: "ns3", ClusterSize: 4096, OwnerTag: 1}, ModeSync, cfg, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cl.Close()

	_, _, ok, err := cl.GetRange()
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if ok {
		t.Fatalf("expected no range for empty namespace")
	}
	time.Sleep(time.Millisecond)
}
