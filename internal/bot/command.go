// ABOUTME: Command grammar for client input to the bot
// ABOUTME: Exact token matching over a small enumerated set, never substring containment

package bot

import "strings"

// Command is a recognized client input.
type Command int

const (
	// CmdUnknown is any input outside the grammar.
	CmdUnknown Command = iota
	CmdZero
	CmdOne
	CmdTwo
	CmdThree
	CmdFour
	// CmdMenu asks to go back to the main menu ("menu", "inicio").
	CmdMenu
	// CmdClient declares the sender an existing client.
	CmdClient
	// CmdProspect declares the sender not a client.
	CmdProspect
	// CmdOperator asks for a human.
	CmdOperator
)

var commandTokens = map[string]Command{
	"0":              CmdZero,
	"1":              CmdOne,
	"2":              CmdTwo,
	"3":              CmdThree,
	"4":              CmdFour,
	"menu":           CmdMenu,
	"menú":           CmdMenu,
	"inicio":         CmdMenu,
	"cliente":        CmdClient,
	"soy cliente":    CmdClient,
	"no soy cliente": CmdProspect,
	"operador":       CmdOperator,
	"asesor":         CmdOperator,
}

// keycap digits arrive as digit + U+FE0F + U+20E3; menus in the templates use them.
var keycapStripper = strings.NewReplacer("\ufe0f", "", "\u20e3", "")

// NormalizeInput lower-cases and trims input, strips keycap emoji
// decorations and collapses inner whitespace.
func NormalizeInput(input string) string {
	s := keycapStripper.Replace(input)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// ParseCommand maps input to a Command. The whole normalized input must
// equal a token; "1 gracias" or "quiero 10" are CmdUnknown.
func ParseCommand(input string) Command {
	if cmd, ok := commandTokens[NormalizeInput(input)]; ok {
		return cmd
	}
	return CmdUnknown
}

// isBack reports whether cmd returns to the welcome menu.
func (c Command) isBack() bool {
	return c == CmdZero || c == CmdMenu
}
