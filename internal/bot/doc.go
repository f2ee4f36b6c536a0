// Package bot implements the decision-tree bot that answers clients before
// an operator takes over.
//
// Transition is a pure function of (State, input): it never sends or
// persists anything. The caller dispatches the returned template, stores
// the next state on the client row and runs the handoff when signaled.
//
// Input is matched against a fixed command grammar (digits 0 to 4 and a few
// Spanish keywords) after lower-casing, trimming and stripping keycap emoji.
// The whole input must match a token.
//
// Sessions are cached per address in a SessionStore. The persisted
// Client.ConversationState is authoritative, so a restarted process resumes
// clients mid-menu through CurrentState.
package bot
