// ABOUTME: Pure transition function of the bot menu tree
// ABOUTME: Maps (state, input) to next state, response template and handoff signal without I/O

package bot

import "github.com/2389/switchboard/internal/store"

// Result is the outcome of one transition.
type Result struct {
	Next     State
	Template TemplateID
	// Handoff asks the caller to transfer the conversation to an operator.
	Handoff bool
	// ClientType is set when the input classified the client; empty otherwise.
	ClientType store.ClientType
}

// Transition computes the bot's reaction to input in state. It has no side
// effects: the same arguments always yield the same Result. A state outside
// the known set is treated as StateWelcome.
func Transition(state State, input string) Result {
	if !knownStates[state] {
		state = StateWelcome
	}

	// first contact: greet, never interpret the message as a menu choice
	if state == StateInitial {
		return Result{Next: StateWelcome, Template: TemplateWelcome}
	}

	cmd := ParseCommand(input)
	if cmd.isBack() {
		return Result{Next: StateWelcome, Template: TemplateWelcome}
	}

	switch state {
	case StateWelcome:
		switch cmd {
		case CmdOne, CmdClient:
			return Result{Next: StateClientMenu, Template: TemplateClientMenu, ClientType: store.ClientTypeExisting}
		case CmdTwo, CmdProspect:
			return Result{Next: StateNonClientMenu, Template: TemplateProspectMenu, ClientType: store.ClientTypeProspect}
		}

	case StateClientMenu:
		switch cmd {
		case CmdOne:
			return Result{Next: StateClientInfo, Template: TemplateClientAccount}
		case CmdTwo:
			return Result{Next: StateClientMenu, Template: TemplateClientSupport, Handoff: true}
		case CmdThree, CmdOperator:
			return Result{Next: StateClientMenu, Template: TemplateOperatorConnecting, Handoff: true}
		case CmdFour:
			return Result{Next: StateClientInfo, Template: TemplateClientHours}
		}

	case StateNonClientMenu:
		switch cmd {
		case CmdOne:
			return Result{Next: StateProspectInfo, Template: TemplateProspectInfo}
		case CmdTwo, CmdOperator:
			return Result{Next: StateNonClientMenu, Template: TemplateSales, Handoff: true}
		}

	case StateClientInfo:
		if cmd == CmdThree || cmd == CmdOperator {
			return Result{Next: StateClientInfo, Template: TemplateOperatorConnecting, Handoff: true}
		}

	case StateProspectInfo:
		if cmd == CmdTwo || cmd == CmdOperator {
			return Result{Next: StateProspectInfo, Template: TemplateSales, Handoff: true}
		}
	}

	return Result{Next: state, Template: repromptFor(state)}
}

func repromptFor(state State) TemplateID {
	switch state {
	case StateClientMenu:
		return TemplateClientMenuReprompt
	case StateNonClientMenu:
		return TemplateProspectMenuReprompt
	case StateClientInfo:
		return TemplateClientInfoReprompt
	case StateProspectInfo:
		return TemplateProspectInfoReprompt
	default:
		return TemplateWelcome
	}
}
