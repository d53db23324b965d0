package container

import (
	"reflect"
	"testing"
)

func TestUniqueHeap(t *testing.T) {
	h := NewUniqueHeap[int](func(i, j int) bool { return i < j })
	for _, v := range []int{5, 3, 8, 1, 3} {
		h.Push(v)
	}
	got := make([]int, 0)
	for {
		v, ok := h.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	want := []int{1, 3, 5, 8}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got: %v, want: %v", got, want)
	}
}

func TestUniqueHeapRemove(t *testing.T) {
	h := NewUniqueHeap[int](func(i, j int) bool { return i < j })
	for _, v := range []int{5, 3, 8} {
		h.Push(v)
	}
	h.Remove(3)
	if h.Len() != 2 {
		t.Fatalf("unexpected Len: %v", h.Len())
	}
	v, ok := h.Peek()
	if !ok || v != 5 {
		t.Fatalf("got: %v %v, want: 5 true", v, ok)
	}
	got := make([]int, 0)
	for {
		v, ok := h.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	want := []int{5, 8}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got: %v, want: %v", got, want)
	}
}
