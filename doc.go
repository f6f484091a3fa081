// Package kestrel is the admission front end of a mail transfer agent.
//
// A Server holds the state shared by all connections: the reputation
// store of client IPs, the per-sender quota and the sender authentication
// pipeline. Each connection gets a Session, a state machine advanced by
// the SMTP engine with one call per command. Every call returns a
// Decision, an SMTP reply that either lets the command proceed or
// rejects it.
//
// Backend adapts a Server to github.com/emersion/go-smtp. Messages that
// pass are handed to a DeliveryHandler as a Delivery, with an
// Authentication-Results header prepended and, for relayed mail, an ARC
// set.
//
// Outbound messages are signed with SignAndSeal.
package kestrel
