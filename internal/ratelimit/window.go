package ratelimit

// Window spans in seconds.
const (
	spanMinute = 60
	spanHour   = 3600
	spanDay    = 86400
)

// window is a sliding window over second-resolution buckets. At unix second
// now it covers (now-span, now]; a count recorded at second s leaves the
// window once now reaches s+span.
type window struct {
	limit   int64
	span    int64
	buckets []int64
	total   int64
	lastSec int64
}

func newWindow(limit, span int64) *window {
	return &window{limit: limit, span: span, buckets: make([]int64, span)}
}

func (w *window) idx(sec int64) int64 {
	return ((sec % w.span) + w.span) % w.span
}

// advance expires buckets that fell out of the window ending at nowSec.
func (w *window) advance(nowSec int64) {
	if nowSec <= w.lastSec {
		return
	}
	if nowSec-w.lastSec >= w.span {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
		w.total = 0
		w.lastSec = nowSec
		return
	}
	for s := w.lastSec + 1; s <= nowSec; s++ {
		i := w.idx(s)
		w.total -= w.buckets[i]
		w.buckets[i] = 0
	}
	w.lastSec = nowSec
}

// wouldExceed reports whether recording n more would break the limit.
func (w *window) wouldExceed(n int64) bool {
	return w.total+n > w.limit
}

// add records n at nowSec. The window must already be advanced to nowSec.
func (w *window) add(nowSec, n int64) {
	w.buckets[w.idx(nowSec)] += n
	w.total += n
}

// addAt applies a delta to the bucket recorded at sec, clamping that bucket
// at zero. A negative delta for a second that already rotated out is
// dropped; a positive one is recorded at the current edge instead.
func (w *window) addAt(sec, n int64) {
	if sec <= w.lastSec-w.span {
		if n > 0 {
			w.add(w.lastSec, n)
		}
		return
	}
	if sec > w.lastSec {
		sec = w.lastSec
	}
	i := w.idx(sec)
	if n < 0 && w.buckets[i]+n < 0 {
		n = -w.buckets[i]
	}
	w.buckets[i] += n
	w.total += n
}

// freeSec returns the unix second at which enough recorded counts expire for
// n more to fit. The window must already be advanced to nowSec.
func (w *window) freeSec(nowSec, n int64) int64 {
	need := w.total + n - w.limit
	if need <= 0 {
		return nowSec
	}
	if need > w.total {
		return nowSec + w.span
	}
	var freed int64
	for s := nowSec - w.span + 1; s <= nowSec; s++ {
		freed += w.buckets[w.idx(s)]
		if freed >= need {
			return s + w.span
		}
	}
	return nowSec + w.span
}
