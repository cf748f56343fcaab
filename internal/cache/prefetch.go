package cache

import "context"

// DefaultPrefetchWorkers matches spec.md §6's documented prefetch_count
// default.
const DefaultPrefetchWorkers = 8

func (c *Cache) startWorkers(n int) {
	if n <= 0 {
		n = DefaultPrefetchWorkers
	}
	c.workersStarted = true
	for i := 0; i < n; i++ {
		c.wg.Add(1)
		go c.prefetchWorker()
	}
}

func (c *Cache) prefetchWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closeCh:
			return
		case chunkID := <-c.prefetchCh:
			if _, ok := c.Get(chunkID); ok {
				continue
			}
			if c.fetch == nil {
				continue
			}
			data, err := c.fetch(context.Background(), chunkID)
			if err != nil {
				continue
			}
			c.Put(chunkID, data)
		}
	}
}

// PrefetchEnqueue schedules chunk ids for background fetch-and-cache.
// Non-blocking: ids that can't be enqueued immediately (a full queue) are
// dropped rather than stalling the caller, since prefetch is an
// optimization, not a correctness requirement.
func (c *Cache) PrefetchEnqueue(chunkIDs [][32]byte) {
	if !c.prefetchEnabled {
		return
	}
	for _, id := range chunkIDs {
		select {
		case c.prefetchCh <- id:
		default:
		}
	}
}
