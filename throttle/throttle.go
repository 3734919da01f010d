// Package throttle implements a dual token-bucket rate limiter, one bucket
// for upload and one for download, shared by every peer of a torrent (or,
// for the session-wide limiter, every torrent). It is ported from the
// teacher's session core reference (original_source/src/throttle.rs); the
// Rc<UnsafeCell<..>> aliasing that file relies on is replaced here by the
// reactor's single-goroutine-owns-everything discipline, so no locking is
// needed inside this package.
package throttle

// URATE is the token-refill tick, in milliseconds.
const URATE = 15

// FlushInterval is the cadence at which throttled peer sets are drained
// back to the reactor for re-poll.
const FlushInterval = 50

// bucket implements the token-bucket algorithm described by the original:
// tokens accrue at `rate` bytes per millisecond (rate*URATE per tick) up to
// maxTokens, and
// withdrawals fail (marking the withdrawer throttled) once the bucket is
// empty. A zero rate means unlimited.
type bucket struct {
	rate      int
	tokens    int
	maxTokens int
	lastUsed  int64
	throttled map[int]struct{}
}

func newBucket(rate, maxTokens int) *bucket {
	return &bucket{rate: rate, maxTokens: maxTokens, throttled: make(map[int]struct{})}
}

// addTokens refills the bucket by one tick's worth and returns the
// effective throughput (bytes/sec) observed since the last call.
func (b *bucket) addTokens() int64 {
	drained := b.lastUsed
	b.lastUsed = 0
	b.tokens += b.rate * URATE
	if b.tokens >= b.maxTokens {
		b.tokens = b.maxTokens
	}
	return drained * 1000 / URATE
}

// getTokens attempts to withdraw amnt bytes. On failure it marks id
// throttled so a later flush wakes the reactor to retry.
func (b *bucket) getTokens(id, amnt int) bool {
	if b.rate == 0 {
		b.lastUsed += int64(amnt)
		return true
	}
	if amnt > b.tokens {
		b.throttled[id] = struct{}{}
		return false
	}
	b.lastUsed += int64(amnt)
	b.tokens -= amnt
	return true
}

// restoreTokens gives back bytes that were withdrawn but never sent over
// the wire (e.g. a write that failed after accounting). last_used is
// clamped at zero rather than allowed to underflow when a restore crosses
// a tick boundary that already reset it.
func (b *bucket) restoreTokens(amnt int) {
	b.lastUsed -= int64(amnt)
	if b.lastUsed < 0 {
		b.lastUsed = 0
	}
	b.tokens += amnt
}

func (b *bucket) flush() []int {
	out := make([]int, 0, len(b.throttled))
	for id := range b.throttled {
		out = append(out, id)
	}
	b.throttled = make(map[int]struct{})
	return out
}

// Throttler owns the upload and download buckets for one scope (a torrent,
// or the whole session) and hands out per-peer Throttle handles that share
// those buckets.
type Throttler struct {
	ulData *bucket
	dlData *bucket
	lastUL int64
	lastDL int64
}

// New creates a Throttler with the given byte-per-millisecond rates and
// per-bucket token ceiling. A rate of 0 means unlimited.
func New(dlRate, ulRate, maxTokens int) *Throttler {
	return &Throttler{
		ulData: newBucket(ulRate, maxTokens),
		dlData: newBucket(dlRate, maxTokens),
	}
}

// Update must be called every URATE milliseconds. It returns the observed
// (upload, download) rates in bytes/sec and whether either changed since
// the last call.
func (t *Throttler) Update() (ul, dl int64, changed bool) {
	ul = t.ulData.addTokens()
	dl = t.dlData.addTokens()
	if ul != t.lastUL || dl != t.lastDL {
		t.lastUL, t.lastDL = ul, dl
		return ul, dl, true
	}
	return ul, dl, false
}

// Throttle returns a handle scoped to peer id, sharing this Throttler's
// buckets.
func (t *Throttler) Throttle(id int) *Throttle {
	return &Throttle{id: id, ul: t.ulData, dl: t.dlData}
}

func (t *Throttler) ULRate() int { return t.ulData.rate }
func (t *Throttler) DLRate() int { return t.dlData.rate }

func (t *Throttler) SetULRate(rate int) { t.ulData.rate = rate }
func (t *Throttler) SetDLRate(rate int) { t.dlData.rate = rate }

// FlushUL drains and returns the ids that failed an upload withdrawal
// since the last flush.
func (t *Throttler) FlushUL() []int { return t.ulData.flush() }

// FlushDL drains and returns the ids that failed a download withdrawal
// since the last flush.
func (t *Throttler) FlushDL() []int { return t.dlData.flush() }

// Throttle is a per-peer handle onto a Throttler's shared buckets.
type Throttle struct {
	id int
	ul *bucket
	dl *bucket
}

// Sibling returns a new handle for peer id sharing this Throttle's buckets,
// used when a peer migrates scope (e.g. into a new torrent's throttler).
func (t *Throttle) Sibling(id int) *Throttle {
	return &Throttle{id: id, ul: t.ul, dl: t.dl}
}

// GetBytesDL attempts to withdraw amnt bytes from the download bucket.
func (t *Throttle) GetBytesDL(amnt int) bool { return t.dl.getTokens(t.id, amnt) }

// GetBytesUL attempts to withdraw amnt bytes from the upload bucket.
func (t *Throttle) GetBytesUL(amnt int) bool { return t.ul.getTokens(t.id, amnt) }

// RestoreBytesDL gives back a download withdrawal that was never used.
func (t *Throttle) RestoreBytesDL(amnt int) { t.dl.restoreTokens(amnt) }

// RestoreBytesUL gives back an upload withdrawal that was never used.
func (t *Throttle) RestoreBytesUL(amnt int) { t.ul.restoreTokens(amnt) }

func (t *Throttle) ULRate() int { return t.ul.rate }
func (t *Throttle) DLRate() int { return t.dl.rate }

func (t *Throttle) SetULRate(rate int) { t.ul.rate = rate }
func (t *Throttle) SetDLRate(rate int) { t.dl.rate = rate }

// Close removes this peer from both throttled sets, the Go equivalent of
// the original's Drop impl — call it when a peer disconnects so a stale id
// doesn't linger in a flush result.
func (t *Throttle) Close() {
	delete(t.ul.throttled, t.id)
	delete(t.dl.throttled, t.id)
}
