// ABOUTME: Bot Engine states and the persisted-state parser
// ABOUTME: Unknown or corrupted persisted states heal to welcome instead of failing

package bot

// State is a position in the bot menu tree.
type State string

const (
	// StateInitial is a client the bot has never greeted.
	StateInitial State = "initial"
	// StateWelcome shows the "are you a client?" menu.
	StateWelcome State = "welcome"
	// StateClientMenu is the menu for existing clients.
	StateClientMenu State = "client_menu"
	// StateNonClientMenu is the menu for prospects.
	StateNonClientMenu State = "non_client_menu"
	// StateClientInfo is the leaf reached after an informational client option.
	StateClientInfo State = "client_info"
	// StateProspectInfo is the leaf reached after the prospect info option.
	StateProspectInfo State = "prospect_info"
)

var knownStates = map[State]bool{
	StateInitial:       true,
	StateWelcome:       true,
	StateClientMenu:    true,
	StateNonClientMenu: true,
	StateClientInfo:    true,
	StateProspectInfo:  true,
}

// ParseState converts a persisted state string. An empty string is the
// initial state. Anything unrecognized becomes StateWelcome and ok is false
// so the caller can log the repair.
func ParseState(s string) (state State, ok bool) {
	if s == "" {
		return StateInitial, true
	}
	st := State(s)
	if knownStates[st] {
		return st, true
	}
	return StateWelcome, false
}

// String returns the persisted form of the state.
func (s State) String() string {
	return string(s)
}
