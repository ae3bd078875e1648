// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import "testing"

func TestIDAllocator_ExhaustionAndReuse(t *testing.T) {
	a := newIDAllocator(2)

	id0, ok := a.acquire()
	if !ok {
		t.Fatal("acquire: got false, want true")
	}
	id1, ok := a.acquire()
	if !ok {
		t.Fatal("acquire: got false, want true")
	}
	if id0 == id1 {
		t.Fatalf("acquire: got duplicate ids %d and %d", id0, id1)
	}

	if _, ok := a.acquire(); ok {
		t.Fatal("acquire: got true at capacity, want false (MaxSlotsExceeded)")
	}

	a.release(id0)
	id2, ok := a.acquire()
	if !ok {
		t.Fatal("acquire: got false after release, want true")
	}
	if id2 != id0 {
		t.Errorf("acquire after release: got %d, want reused id %d", id2, id0)
	}
}
