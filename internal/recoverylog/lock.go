package recoverylog

import "sync"

// controlLock is the shared/exclusive lock around the unit index.
//
// Mutators (create, remove, write, force) hold it shared and may run
// together. A keypoint holds it exclusive. A caller that asks for the
// exclusive lock while a keypoint is running does not queue behind it: it
// waits for that keypoint to finish and is told it followed, because the
// running keypoint has already covered its work.
//
// The lock is not reentrant. A goroutine holding it shared must release it
// before triggering a keypoint.
type controlLock struct {
	mu        sync.Mutex
	cond      *sync.Cond
	shared    int
	exclusive bool
	// generation counts completed exclusive holds so followers can tell
	// "the keypoint I waited for finished" apart from "a new one started".
	generation uint64
	followers  int
}

func newControlLock() *controlLock {
	c := &controlLock{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *controlLock) lockShared() {
	c.mu.Lock()
	for c.exclusive {
		c.cond.Wait()
	}
	c.shared++
	c.mu.Unlock()
}

func (c *controlLock) unlockShared() {
	c.mu.Lock()
	c.shared--
	if c.shared == 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// keypointGuard is held by the goroutine leading a keypoint.
type keypointGuard struct {
	c *controlLock
}

// attemptExclusive takes the exclusive lock and returns led == true, or, if
// another goroutine holds it, waits for that holder to release and returns
// led == false. Only a leader gets a guard and must release it.
func (c *controlLock) attemptExclusive() (g *keypointGuard, led bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exclusive {
		gen := c.generation
		c.followers++
		for c.exclusive && c.generation == gen {
			c.cond.Wait()
		}
		c.followers--
		return nil, false
	}

	c.exclusive = true
	for c.shared > 0 {
		c.cond.Wait()
	}
	return &keypointGuard{c: c}, true
}

func (g *keypointGuard) release() {
	c := g.c
	c.mu.Lock()
	c.exclusive = false
	c.generation++
	c.cond.Broadcast()
	c.mu.Unlock()
}

// waiting returns the number of goroutines following the current holder.
func (c *controlLock) waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.followers
}
