package watch

import (
	"strings"
	"time"
)

// Ticker alternates frames on every UI tick. A frozen frame means the
// UI loop itself is stuck.
type Ticker struct {
	frame bool
}

func (t *Ticker) Tick() { t.frame = !t.frame }

func (t Ticker) Current() string {
	if t.frame {
		return "⟳"
	}
	return "⟲"
}

const (
	activityDots = 5
	dotLifetime  = 2 * time.Second
)

// Activity lights dots when events arrive and lets them fade, one dot
// per dotLifetime.
type Activity struct {
	lastEvent time.Time
}

func (a *Activity) OnEvent(now time.Time) { a.lastEvent = now }

func (a Activity) LastEvent() time.Time { return a.lastEvent }

// Lit returns how many dots are on at now.
func (a Activity) Lit(now time.Time) int {
	if a.lastEvent.IsZero() {
		return 0
	}
	n := activityDots - int(now.Sub(a.lastEvent)/dotLifetime)
	return max(0, min(activityDots, n))
}

func (a Activity) Render(theme Theme, now time.Time) string {
	lit := a.Lit(now)
	var b strings.Builder
	for i := range activityDots {
		if i < lit {
			b.WriteString(theme.Pulse.Render("●"))
		} else {
			b.WriteString(theme.Idle.Render("○"))
		}
	}
	return b.String()
}
