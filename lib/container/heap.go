package container

import "container/heap"

// UniqueHeap is a heap that keeps same values only once.
type UniqueHeap[T comparable] struct {
	has     map[T]bool
	removed map[T]bool
	heap    *lessHeap[T]
}

// NewUniqueHeap creates a new UniqueHeap with the given less function.
func NewUniqueHeap[T comparable](less func(i, j T) bool) *UniqueHeap[T] {
	return &UniqueHeap[T]{
		has:     make(map[T]bool),
		removed: make(map[T]bool),
		heap:    newLessHeap(less),
	}
}

// Push pushs an element to the heap.
// If the element already exists in the heap, it will just skip it.
func (h *UniqueHeap[T]) Push(el T) {
	if h.removed[el] {
		delete(h.removed, el)
		return
	}
	if h.has[el] {
		return
	}
	h.has[el] = true
	heap.Push(h.heap, el)
}

// Remove marks an element as removed from the heap.
// It doesn't remove the element right away.
// Pop and Peek will clean removed elements internally.
func (h *UniqueHeap[T]) Remove(el T) {
	if !h.has[el] {
		return
	}
	h.removed[el] = true
}

// Pop pops the least element from the heap.
// The second return value reports whether an element was popped.
func (h *UniqueHeap[T]) Pop() (T, bool) {
	var zero T
	for {
		if h.heap.Len() == 0 {
			return zero, false
		}
		el := heap.Pop(h.heap).(T)
		delete(h.has, el)
		if h.removed[el] {
			delete(h.removed, el)
			continue
		}
		return el, true
	}
}

// Peek returns the least element without popping it.
// The second return value reports whether the heap has an element.
func (h *UniqueHeap[T]) Peek() (T, bool) {
	var zero T
	for {
		if h.heap.Len() == 0 {
			return zero, false
		}
		el := h.heap.heap[0]
		if h.removed[el] {
			heap.Pop(h.heap)
			delete(h.has, el)
			delete(h.removed, el)
			continue
		}
		return el, true
	}
}

// Len is the number of live elements in the heap.
func (h *UniqueHeap[T]) Len() int {
	return len(h.has) - len(h.removed)
}

// lessHeap is a heap of values with a given less function.
type lessHeap[T any] struct {
	heap []T
	less func(i, j T) bool
}

// newLessHeap creates a new lessHeap.
func newLessHeap[T any](less func(i, j T) bool) *lessHeap[T] {
	return &lessHeap[T]{
		heap: make([]T, 0),
		less: less,
	}
}

// Len is length of the heap.
func (h lessHeap[T]) Len() int {
	return len(h.heap)
}

// Less is less function of the heap.
func (h lessHeap[T]) Less(i, j int) bool {
	return h.less(h.heap[i], h.heap[j])
}

// Swap swaps position of two values within the heap.
func (h lessHeap[T]) Swap(i, j int) {
	h.heap[i], h.heap[j] = h.heap[j], h.heap[i]
}

// Push pushes an element to the heap.
func (h *lessHeap[T]) Push(el interface{}) {
	h.heap = append(h.heap, el.(T))
}

// Pop pops an element from the heap.
func (h *lessHeap[T]) Pop() interface{} {
	old := h.heap
	n := len(old)
	el := old[n-1]
	var zero T
	old[n-1] = zero // avoid memory leak
	h.heap = old[:n-1]
	return el
}
