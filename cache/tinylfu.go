package cache

import (
	"container/list"

	"github.com/cespare/xxhash/v2"
)

// sketchWidth/sketchDepth size the count-min frequency sketch used to
// approximate each key's access frequency without storing one counter
// per key, per the TinyLFU design (Einziger, Friedman & Manes).
const (
	sketchWidth = 1024
	sketchDepth = 4
	maxCounter  = 15 // 4-bit saturating counters, halved on aging
)

// tinyLFUEvictor is a simplified TinyLFU: a count-min sketch estimates
// access frequency; on eviction pressure, the sketch's estimate for the
// incoming key is compared against the victim (the cache's current LRU
// tail) and only admitted if estimated more frequent. No ecosystem
// TinyLFU implementation was available in the retrieved corpus to
// ground this on (see DESIGN.md), so the sketch and admission policy
// are a direct, simplified port of the paper's algorithm.
type tinyLFUEvictor struct {
	order  *list.List // LRU order, front = most recently used
	items  map[string]*list.Element
	sizes  map[string]int64
	sketch [sketchDepth][sketchWidth]uint8
	adds   int
}

func newTinyLFUEvictor() *tinyLFUEvictor {
	return &tinyLFUEvictor{
		order: list.New(),
		items: make(map[string]*list.Element),
		sizes: make(map[string]int64),
	}
}

func (e *tinyLFUEvictor) hashes(key string) [sketchDepth]uint32 {
	var hs [sketchDepth]uint32
	h := xxhash.Sum64String(key)
	for i := 0; i < sketchDepth; i++ {
		h = h*1099511628211 + uint64(i)
		hs[i] = uint32(h%sketchWidth) & (sketchWidth - 1)
	}
	return hs
}

func (e *tinyLFUEvictor) estimate(key string) uint8 {
	hs := e.hashes(key)
	min := uint8(maxCounter)
	for i, idx := range hs {
		if v := e.sketch[i][idx]; v < min {
			min = v
		}
	}
	return min
}

func (e *tinyLFUEvictor) record(key string) {
	hs := e.hashes(key)
	for i, idx := range hs {
		if e.sketch[i][idx] < maxCounter {
			e.sketch[i][idx]++
		}
	}
	e.adds++
	if e.adds >= sketchWidth*sketchDepth {
		e.age()
		e.adds = 0
	}
}

// age halves every counter periodically so frequency estimates track
// recent access patterns rather than accumulating forever.
func (e *tinyLFUEvictor) age() {
	for i := range e.sketch {
		for j := range e.sketch[i] {
			e.sketch[i][j] /= 2
		}
	}
}

func (e *tinyLFUEvictor) get(key string) ([]byte, bool) {
	el, ok := e.items[key]
	if !ok {
		return nil, false
	}
	e.record(key)
	e.order.MoveToFront(el)
	return el.Value.(*arcEntry).value, true
}

func (e *tinyLFUEvictor) add(key string, value []byte, capacity int64) int64 {
	e.record(key)

	if el, ok := e.items[key]; ok {
		old := e.sizes[key]
		el.Value.(*arcEntry).value = value
		e.sizes[key] = int64(len(value))
		e.order.MoveToFront(el)
		return old
	}

	var evicted int64
	for e.currentSize()+int64(len(value)) > capacity && e.order.Len() > 0 {
		back := e.order.Back()
		victimKey := back.Value.(*arcEntry).key
		if e.estimate(key) <= e.estimate(victimKey) {
			// Admission check: the cache is full and the incoming key is
			// no more popular than the current victim, so it is not
			// admitted. Reporting its own size as freed keeps the
			// caller's size += len(value) - evicted bookkeeping exact.
			return evicted + int64(len(value))
		}
		e.order.Remove(back)
		evicted += e.sizes[victimKey]
		delete(e.items, victimKey)
		delete(e.sizes, victimKey)
	}

	ne := e.order.PushFront(&arcEntry{key: key, value: value})
	e.items[key] = ne
	e.sizes[key] = int64(len(value))
	return evicted
}

func (e *tinyLFUEvictor) currentSize() int64 {
	var total int64
	for _, s := range e.sizes {
		total += s
	}
	return total
}

func (e *tinyLFUEvictor) remove(key string) int64 {
	el, ok := e.items[key]
	if !ok {
		return 0
	}
	sz := e.sizes[key]
	e.order.Remove(el)
	delete(e.items, key)
	delete(e.sizes, key)
	return sz
}

func (e *tinyLFUEvictor) len() int { return e.order.Len() }
