package tlog

import (
	"testing"

	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

func TestEntryRoundTrip(t *testing.T) {
	hash := cos.ComputeCksum([]byte("hello world"))
	entries := []Entry{
		LOC(cluster.CA(42), cluster.CL{SCONumber: 7, SCOOffset: 3, CloneID: 0, Version: 1}, hash),
		SCOCRC(0xdeadbeef),
		TLogCRC(0xfeedface),
		SyncTC(),
	}
	var buf []byte
	for _, e := range entries {
		buf = append(buf, e.Marshal()...)
	}
	got, consumed, truncated := UnmarshalAll(buf)
	if truncated {
		t.Fatalf("unexpected truncation")
	}
	if consumed != len(buf) {
		t.Fatalf("consumed %d, want %d", consumed, len(buf))
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, e := range got {
		if e.Type != entries[i].Type {
			t.Fatalf("entry %d: type %v != %v", i, e.Type, entries[i].Type)
		}
	}
	if got[0].CA != cluster.CA(42) || got[0].CL.SCONumber != 7 {
		t.Fatalf("LOC entry fields lost in round trip: %+v", got[0])
	}
	if !got[0].Hash.Equal(hash) {
		t.Fatalf("hash lost in round trip")
	}
}

func TestUnmarshalAllTruncatedTail(t *testing.T) {
	hash := cos.ComputeCksum([]byte("x"))
	e := LOC(cluster.CA(1), cluster.CL{SCONumber: 1}, hash)
	buf := e.Marshal()
	truncatedBuf := buf[:len(buf)-5] // chop off trailing bytes mid-entry

	got, consumed, truncated := UnmarshalAll(truncatedBuf)
	if !truncated {
		t.Fatalf("expected truncation to be detected")
	}
	if len(got) != 0 {
		t.Fatalf("expected no complete entries, got %d", len(got))
	}
	if consumed != 0 {
		t.Fatalf("expected 0 consumed, got %d", consumed)
	}
}
