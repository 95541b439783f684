package alloc

import (
	"sync"
	"testing"
	"unsafe"

	lerr "tether/internal/errors"
)

type node struct {
	name string
	next *node
}

func TestRelease_ExactlyOnce(t *testing.T) {
	tr := New()
	n := &node{name: "head"}
	p := unsafe.Pointer(n)

	tr.Track(p, KindAddrInfo)
	if !tr.IsTracked(p) {
		t.Fatal("pointer should be tracked")
	}
	if err := tr.Release(p); err != nil {
		t.Fatalf("first release: %v", err)
	}
	err := tr.Release(p)
	if !lerr.Is(err, lerr.ErrUnknownAllocation) {
		t.Fatalf("second release = %v, want ErrUnknownAllocation", err)
	}
	if tr.IsTracked(p) {
		t.Error("released pointer is still tracked")
	}
}

func TestRelease_UnknownPointer(t *testing.T) {
	tr := New()
	n := &node{}
	if err := tr.Release(unsafe.Pointer(n)); !lerr.Is(err, lerr.ErrUnknownAllocation) {
		t.Errorf("Release(untracked) = %v", err)
	}
}

func TestRelease_ChildrenReverseOrder(t *testing.T) {
	tr := New()
	head := &node{name: "head"}
	a := &node{name: "a"}
	b := &node{name: "b"}
	c := &node{name: "c"}

	var order []string
	names := map[unsafe.Pointer]string{
		unsafe.Pointer(head): "head",
		unsafe.Pointer(a):    "a",
		unsafe.Pointer(b):    "b",
		unsafe.Pointer(c):    "c",
	}
	tr.OnRelease = func(p unsafe.Pointer, _ Kind) { order = append(order, names[p]) }

	tr.Track(unsafe.Pointer(b), KindAddrInfo, unsafe.Pointer(c))
	tr.Track(unsafe.Pointer(head), KindAddrInfo, unsafe.Pointer(a), unsafe.Pointer(b))

	if err := tr.Release(unsafe.Pointer(head)); err != nil {
		t.Fatal(err)
	}
	want := []string{"c", "b", "a", "head"}
	if len(order) != len(want) {
		t.Fatalf("release order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("release order = %v, want %v", order, want)
		}
	}
	if tr.Len() != 0 {
		t.Errorf("Len = %d after releasing the whole tree", tr.Len())
	}
}

func TestRelease_Cycle(t *testing.T) {
	tr := New()
	a := &node{name: "a"}
	b := &node{name: "b", next: a}
	a.next = b
	tr.Track(unsafe.Pointer(a), KindAddrInfo, unsafe.Pointer(b))
	tr.Track(unsafe.Pointer(b), KindAddrInfo, unsafe.Pointer(a))

	if err := tr.Release(unsafe.Pointer(a)); err != nil {
		t.Fatal(err)
	}
	if tr.Len() != 0 {
		t.Errorf("Len = %d, want 0", tr.Len())
	}
}

func TestRelease_Concurrent(t *testing.T) {
	tr := New()
	n := &node{}
	p := unsafe.Pointer(n)
	tr.Track(p, KindAddrInfo)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Release(p) == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 {
		t.Errorf("%d releases succeeded, want exactly 1", succeeded)
	}
}
