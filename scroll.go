package braum

import "math"

const (
	// StickThreshold is the distance from the bottom, in surface units,
	// within which the viewport counts as reading the newest messages.
	StickThreshold = 64.0

	// anchorTolerance is the smallest drift RestoreAnchor corrects.
	anchorTolerance = 0.5
)

// ViewportMetrics describes the scroll state of a message list.
type ViewportMetrics struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
}

// MaxScrollTop is the scroll offset that shows the last row.
func (m ViewportMetrics) MaxScrollTop() float64 {
	return math.Max(0, m.ScrollHeight-m.ClientHeight)
}

// DistanceFromBottom is how far the viewport is from MaxScrollTop.
func (m ViewportMetrics) DistanceFromBottom() float64 {
	return m.MaxScrollTop() - m.ScrollTop
}

// RowGeometry is the laid-out position of one message row, measured
// from the top of the scrollable content.
type RowGeometry struct {
	ID     ID
	Top    float64
	Height float64
}

// ScrollSurface is a rendered, scrollable message list. Units are
// arbitrary (pixels in a browser, lines in a terminal) but must be
// consistent.
type ScrollSurface interface {
	Metrics() ViewportMetrics
	Rows() []RowGeometry
	ScrollTo(top float64)
}

type anchor struct {
	messageID ID
	offset    float64
}

// ScrollAnchor keeps a ScrollSurface either pinned to the newest message
// or steady on the message the user was reading while rows are inserted
// above or below it.
//
// A ScrollAnchor is not safe for concurrent use; drive it from the
// goroutine that renders the surface. ScrollTo may call back into
// OnScroll.
type ScrollAnchor struct {
	surface ScrollSurface
	stuck   bool
	anchor  *anchor
}

// NewScrollAnchor returns a controller that starts stuck to the bottom.
func NewScrollAnchor(surface ScrollSurface) *ScrollAnchor {
	return &ScrollAnchor{surface: surface, stuck: true}
}

// Stuck reports whether new arrivals scroll the view to the bottom.
func (a *ScrollAnchor) Stuck() bool { return a.stuck }

// Anchor returns the captured message id and its offset from the
// viewport top.
func (a *ScrollAnchor) Anchor() (id ID, offset float64, ok bool) {
	if a.anchor == nil {
		return "", 0, false
	}
	return a.anchor.messageID, a.anchor.offset, true
}

// OnScroll recomputes the stuck flag and, when the user has scrolled
// away from the bottom, records a new anchor.
func (a *ScrollAnchor) OnScroll(m ViewportMetrics) {
	a.stuck = m.DistanceFromBottom() < StickThreshold
	if a.stuck {
		a.anchor = nil
		return
	}
	a.capture(m)
}

// OnSequenceChanged must be called after the surface has laid out a new
// sequence of n messages.
func (a *ScrollAnchor) OnSequenceChanged(n int) {
	if n == 0 {
		a.anchor = nil
	}
	if a.stuck {
		a.scrollToBottom()
		return
	}
	a.RestoreAnchor()
}

// CaptureAnchor records the first visible row and its offset from the
// viewport top.
func (a *ScrollAnchor) CaptureAnchor() {
	a.capture(a.surface.Metrics())
}

func (a *ScrollAnchor) capture(m ViewportMetrics) {
	for _, row := range a.surface.Rows() {
		if row.Top+row.Height > m.ScrollTop {
			a.anchor = &anchor{messageID: row.ID, offset: row.Top - m.ScrollTop}
			return
		}
	}
	a.anchor = nil
}

// RestoreAnchor scrolls so the anchored message sits at its recorded
// offset again. If the message is gone the anchor is recaptured from
// the current layout.
func (a *ScrollAnchor) RestoreAnchor() {
	if a.anchor == nil {
		return
	}
	m := a.surface.Metrics()
	for _, row := range a.surface.Rows() {
		if row.ID != a.anchor.messageID {
			continue
		}
		delta := (row.Top - m.ScrollTop) - a.anchor.offset
		if math.Abs(delta) < anchorTolerance {
			return
		}
		target := math.Min(math.Max(0, m.ScrollTop+delta), m.MaxScrollTop())
		want := *a.anchor
		a.surface.ScrollTo(target)
		// The scroll callback may have recaptured a clamped position;
		// the user's reading position stays the reference.
		if !a.stuck {
			a.anchor = &want
		}
		return
	}
	a.capture(m)
}

// Reset discards the anchor and pins the view to the bottom. Call it
// when the conversation changes.
func (a *ScrollAnchor) Reset() {
	a.anchor = nil
	a.stuck = true
	a.scrollToBottom()
}

func (a *ScrollAnchor) scrollToBottom() {
	m := a.surface.Metrics()
	if bottom := m.MaxScrollTop(); m.ScrollTop != bottom {
		a.surface.ScrollTo(bottom)
	}
}
