package router

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// Selector decides whether a route applies to an inbound activity.
type Selector func(*protocol.Activity) bool

// HandlerFunc handles one turn. Returning a non-nil Response ends the chain;
// calling c.Next() hands the turn to the next matching route.
type HandlerFunc func(c *Context) (*Response, error)

// Route pairs a selector with a handler. A nil Selector matches everything.
type Route struct {
	Name     string
	Selector Selector
	Handler  HandlerFunc
}

func (r Route) matches(a *protocol.Activity) bool {
	return r.Selector == nil || r.Selector(a)
}

// Always matches every activity.
func Always() Selector {
	return func(*protocol.Activity) bool { return true }
}

// IsType matches activities of exactly type t.
func IsType(t protocol.ActivityType) Selector {
	return func(a *protocol.Activity) bool { return a != nil && a.Type == t }
}

// IsMessage matches message activities.
func IsMessage() Selector {
	return IsType(protocol.ActivityMessage)
}

// IsInvoke matches invoke activities named name ("" matches any invoke).
func IsInvoke(name string) Selector {
	return func(a *protocol.Activity) bool { return a.IsInvoke(name) }
}

// IsEvent matches event activities named name ("" matches any event).
func IsEvent(name string) Selector {
	return func(a *protocol.Activity) bool { return a.IsEvent(name) }
}

// IsConversationUpdate matches conversation membership/metadata changes.
func IsConversationUpdate() Selector {
	return IsType(protocol.ActivityConversationUpdate)
}

// TextEquals matches messages whose trimmed text equals text, case-insensitively.
func TextEquals(text string) Selector {
	want := strings.TrimSpace(text)
	return func(a *protocol.Activity) bool {
		return a.IsMessage() && strings.EqualFold(strings.TrimSpace(a.Text), want)
	}
}

// TextHasPrefix matches messages whose text starts with prefix, e.g. "/help".
func TextHasPrefix(prefix string) Selector {
	return func(a *protocol.Activity) bool {
		return a.IsMessage() && strings.HasPrefix(strings.TrimSpace(a.Text), prefix)
	}
}

// TextMatches matches messages whose text matches re.
func TextMatches(re *regexp.Regexp) Selector {
	return func(a *protocol.Activity) bool {
		return a.IsMessage() && re.MatchString(a.Text)
	}
}

// And matches when every selector matches.
func And(selectors ...Selector) Selector {
	return func(a *protocol.Activity) bool {
		for _, s := range selectors {
			if !s(a) {
				return false
			}
		}
		return true
	}
}

// Or matches when any selector matches.
func Or(selectors ...Selector) Selector {
	return func(a *protocol.Activity) bool {
		for _, s := range selectors {
			if s(a) {
				return true
			}
		}
		return false
	}
}

// Not inverts s.
func Not(s Selector) Selector {
	return func(a *protocol.Activity) bool { return !s(a) }
}
