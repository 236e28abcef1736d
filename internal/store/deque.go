package store

// Deque is a ring-buffer-backed double-ended queue of byte slices, used as
// the storage for list values. It grows as needed and never shrinks below
// its last high-water mark, trading a little memory for O(1) amortized
// push/pop on either end.
type Deque struct {
	buf        [][]byte
	head, size int
}

// NewDeque returns an empty deque.
func NewDeque() *Deque {
	return &Deque{}
}

// Len returns the number of elements currently stored.
func (d *Deque) Len() int { return d.size }

func (d *Deque) grow() {
	newCap := len(d.buf) * 2
	if newCap == 0 {
		newCap = 8
	}
	nb := make([][]byte, newCap)
	for i := 0; i < d.size; i++ {
		nb[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	d.buf = nb
	d.head = 0
}

// PushBack appends v to the tail (RPUSH semantics).
func (d *Deque) PushBack(v []byte) {
	if d.size == len(d.buf) {
		d.grow()
	}
	idx := (d.head + d.size) % len(d.buf)
	d.buf[idx] = v
	d.size++
}

// PushFront prepends v at the head (LPUSH semantics).
func (d *Deque) PushFront(v []byte) {
	if d.size == len(d.buf) {
		d.grow()
	}
	d.head = (d.head - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.head] = v
	d.size++
}

// PopFront removes and returns the head element. ok is false on an empty
// deque.
func (d *Deque) PopFront() (v []byte, ok bool) {
	if d.size == 0 {
		return nil, false
	}
	v = d.buf[d.head]
	d.buf[d.head] = nil
	d.head = (d.head + 1) % len(d.buf)
	d.size--
	return v, true
}

// At returns the element at the given 0-based index from the head.
// Callers must check 0 <= i < Len().
func (d *Deque) At(i int) []byte {
	return d.buf[(d.head+i)%len(d.buf)]
}

// Slice returns a newly allocated []byte slice view over [start, end]
// inclusive, both already clamped into range by the caller.
func (d *Deque) Slice(start, end int) [][]byte {
	if start > end {
		return nil
	}
	out := make([][]byte, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, d.At(i))
	}
	return out
}
