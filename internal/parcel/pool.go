package parcel

import "sync"

// maxPooledCap keeps one oversized transaction from pinning its buffer in the
// pool forever.
const maxPooledCap = 64 << 10

var pool = sync.Pool{
	New: func() any { return New() },
}

// Get returns an empty parcel from the per-P pool.
func Get() *Parcel {
	return pool.Get().(*Parcel)
}

// Put resets p and returns it to the pool. p must not be used afterwards.
func Put(p *Parcel) {
	if p == nil {
		return
	}
	p.Reset()
	if cap(p.data) > maxPooledCap {
		p.data = nil
	}
	pool.Put(p)
}
