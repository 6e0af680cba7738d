package pduft

import "testing"

func TestSetLookupDelRoundTrip(t *testing.T) {
	tbl := New[string]()
	tbl.Set(42, "flowA")
	got, ok := tbl.Lookup(42)
	if !ok || got != "flowA" {
		t.Fatalf("Lookup(42) = %q,%v; want flowA,true", got, ok)
	}
	before := tbl.Len()
	tbl.DelAddr(42)
	if _, ok := tbl.Lookup(42); ok {
		t.Fatalf("Lookup(42) after DelAddr should miss")
	}
	if tbl.Len() != before-1 {
		t.Fatalf("Len() after DelAddr = %d, want %d", tbl.Len(), before-1)
	}
}

func TestSetReplaces(t *testing.T) {
	tbl := New[string]()
	tbl.Set(1, "a")
	tbl.Set(1, "b")
	got, _ := tbl.Lookup(1)
	if got != "b" {
		t.Fatalf("Lookup(1) = %q, want b", got)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
}

func TestFlushByFlow(t *testing.T) {
	tbl := New[string]()
	tbl.Set(1, "flowA")
	tbl.Set(2, "flowA")
	tbl.Set(3, "flowB")
	tbl.FlushByFlow("flowA")
	if _, ok := tbl.Lookup(1); ok {
		t.Fatalf("addr 1 should have been flushed")
	}
	if _, ok := tbl.Lookup(2); ok {
		t.Fatalf("addr 2 should have been flushed")
	}
	if _, ok := tbl.Lookup(3); !ok {
		t.Fatalf("addr 3 should remain")
	}
}

func TestFlush(t *testing.T) {
	tbl := New[string]()
	tbl.Set(1, "a")
	tbl.Set(2, "b")
	tbl.Flush()
	if tbl.Len() != 0 {
		t.Fatalf("Len() after Flush = %d, want 0", tbl.Len())
	}
}
