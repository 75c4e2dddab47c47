// Package handoff decides whether the AI or a human agent owns a conversation.
//
// Each conversation is in exactly one of two states. It starts AI-owned.
// Take moves it to human-owned (or re-assigns the agent if already human),
// Release moves it back. There is no pending state: the ownership flag
// changes before Take or Release returns, and the voice provider is told
// afterwards on a detached goroutine whose outcome never affects the flag.
package handoff
