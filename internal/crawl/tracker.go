package crawl

import (
	"net/url"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// hostState tracks request history for one host.
type hostState struct {
	lastRequest time.Time
	count       int64
}

// Tracker records the last-request time and request count per host and
// computes the wait needed to honor a minimum inter-request gap. It is the
// process-wide source of truth for per-domain pacing; all operations are
// atomic via xsync.Map.
type Tracker struct {
	hosts *xsync.Map[string, hostState]

	// now is injectable for tests.
	now func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		hosts: xsync.NewMap[string, hostState](),
		now:   time.Now,
	}
}

// HostKey extracts the pacing key for a URL: the network-location portion,
// scheme-stripped and port-inclusive. Unparseable URLs key as themselves so
// they still get paced rather than bypassing the tracker.
func HostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// WaitNeeded returns how long a request to rawURL must wait to keep at least
// minGap between requests to its host. The first observation of a host
// returns zero without mutating state.
func (t *Tracker) WaitNeeded(rawURL string, minGap time.Duration) time.Duration {
	st, ok := t.hosts.Load(HostKey(rawURL))
	if !ok {
		return 0
	}
	wait := minGap - t.now().Sub(st.lastRequest)
	if wait < 0 {
		return 0
	}
	return wait
}

// Record marks a request to rawURL's host as having happened now.
func (t *Tracker) Record(rawURL string) {
	now := t.now()
	t.hosts.Compute(HostKey(rawURL), func(st hostState, _ bool) (hostState, xsync.ComputeOp) {
		st.lastRequest = now
		st.count++
		return st, xsync.UpdateOp
	})
}

// Count returns how many requests have been recorded for rawURL's host.
func (t *Tracker) Count(rawURL string) int64 {
	st, ok := t.hosts.Load(HostKey(rawURL))
	if !ok {
		return 0
	}
	return st.count
}
