package kestrel

import (
	"net"
	"slices"
	"sync"
	"time"
)

// State is the protocol stage of a session.
type State int

const (
	// StateConnected is the initial state, before the connection is admitted.
	StateConnected State = iota
	// StateGreeted means the connection was admitted and MAIL FROM may follow.
	StateGreeted
	// StateMailFrom means a sender was accepted.
	StateMailFrom
	// StateRcptTo means at least one recipient was accepted.
	StateRcptTo
	// StateData means the message is being received.
	StateData
	// StateDone means the transaction completed. A new MAIL FROM starts
	// another one.
	StateDone
	// StateRejected is terminal for the connection.
	StateRejected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateGreeted:
		return "GREETED"
	case StateMailFrom:
		return "MAIL"
	case StateRcptTo:
		return "RCPT"
	case StateData:
		return "DATA"
	case StateDone:
		return "DONE"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Connection is the per-connection state owned by a Session. It lives
// until the transport closes.
type Connection struct {
	// ID identifies the connection in logs.
	ID string
	// RemoteAddr is the client address as reported by the transport.
	RemoteAddr net.Addr
	// IP is the client IP.
	IP net.IP
	// ConnectedAt is when the connection was established.
	ConnectedAt time.Time

	// mu protects the fields below.
	mu sync.RWMutex

	state         State
	helo          string
	authenticated bool

	// transactionID is set by MAIL FROM.
	transactionID string
	mailFrom      string
	senderDomain  string
	recipients    []string

	transactions int
}

func newConnection(id string, addr net.Addr, ip net.IP) *Connection {
	return &Connection{
		ID:          id,
		RemoteAddr:  addr,
		IP:          ip,
		ConnectedAt: time.Now(),
		state:       StateConnected,
	}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Helo returns the EHLO/HELO name.
func (c *Connection) Helo() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.helo
}

// SetHelo records the EHLO/HELO name.
func (c *Connection) SetHelo(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.helo = name
}

// IsAuthenticated returns whether the client has authenticated.
func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// MailFrom returns the envelope sender of the current transaction.
func (c *Connection) MailFrom() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mailFrom
}

// SenderDomain returns the domain of the envelope sender.
func (c *Connection) SenderDomain() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.senderDomain
}

// Recipients returns a copy of the envelope recipients in the order they
// were accepted.
func (c *Connection) Recipients() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.recipients)
}

// TransactionID returns the ID of the current transaction.
func (c *Connection) TransactionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transactionID
}

// Transactions returns the number of completed transactions.
func (c *Connection) Transactions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transactions
}

func (c *Connection) beginTransaction(id, from, domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactionID = id
	c.mailFrom = from
	c.senderDomain = domain
	c.recipients = nil
	c.state = StateMailFrom
}

func (c *Connection) addRecipient(rcpt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recipients = append(c.recipients, rcpt)
	c.state = StateRcptTo
}

func (c *Connection) completeTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactions++
	c.state = StateDone
}

// resetTransaction drops the envelope. An admitted connection returns to
// StateGreeted; a rejected one stays rejected.
func (c *Connection) resetTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactionID = ""
	c.mailFrom = ""
	c.senderDomain = ""
	c.recipients = nil
	if c.state != StateConnected && c.state != StateRejected {
		c.state = StateGreeted
	}
}

func (c *Connection) setAuthenticated(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = ok
}
