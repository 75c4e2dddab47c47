// Package bridge translates events between the voice channel, the SMS
// channel and dashboard clients.
//
// The Bridge is the only writer of live ConversationState. Each conversation
// has its own lock so its events are handled one at a time in arrival order;
// different conversations proceed independently. Ownership is not stored
// here: the handoff Controller is asked on every routing decision.
//
// Durable records are written back through the directory after every state
// change. Write-back failures are logged and never fail the event.
package bridge
