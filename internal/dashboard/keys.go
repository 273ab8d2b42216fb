package dashboard

import "github.com/gdamore/tcell/v2"

// Action is a single keybinding.
type Action struct {
	Key         tcell.Key
	Rune        rune
	Description string
	Handler     func()
}

// Matches returns true if the event matches this action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// Bindings holds the dashboard keybindings in registration order.
type Bindings struct {
	actions []*Action
}

// Add registers a keybinding.
func (b *Bindings) Add(a *Action) {
	b.actions = append(b.actions, a)
}

// Hints returns the descriptions of all bindings.
func (b *Bindings) Hints() []string {
	hints := make([]string, 0, len(b.actions))
	for _, a := range b.actions {
		hints = append(hints, a.Description)
	}
	return hints
}

// Handle dispatches ev to the first matching action.
func (b *Bindings) Handle(ev *tcell.EventKey) bool {
	for _, a := range b.actions {
		if a.Matches(ev) {
			a.Handler()
			return true
		}
	}
	return false
}
