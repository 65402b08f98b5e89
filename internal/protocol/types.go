// Package protocol defines the wire protocol for Denobo peer communication.
package protocol

import "strconv"

// Code is the operation code carried by every packet.
type Code int

// Handshake codes
const (
	CodeGreetings      Code = 100 // Initiator opens the conversation
	CodeAccepted       Code = 101 // Acceptor admits the initiator
	CodeCredentialsPlz Code = 102 // Acceptor asks for credentials
	CodeCredentials    Code = 103 // Initiator supplies credentials
	CodeNoCredentials  Code = 104 // Initiator has no credentials to offer
	CodeBadCredentials Code = 105 // Acceptor rejects the credentials
)

// Session negotiation codes
const (
	CodeSetCompression Code = 200 // Agree on a body compressor
	CodeBeginSecure    Code = 201 // Exchange public keys and enable the stream cipher
)

// Messaging and routing codes
const (
	CodePropagate        Code = 300 // Relay a message into the remote graph
	CodePoke             Code = 301 // Liveness probe and its reply
	CodeRouteTo          Code = 302 // Continue a route search remotely
	CodeRouteFound       Code = 303 // Route search succeeded
	CodeInvalidateAgents Code = 304 // Continue a route invalidation crawl remotely

	// CodeSendMessage is an alias kept for peers that name the relay packet after the API call.
	CodeSendMessage = CodePropagate
)

// Error codes
const (
	CodeNo           Code = 400 // Negative reply, optionally tied to a route search
	CodeTooManyPeers Code = 401 // Acceptor has no free connection permit
)

// Protocol constants
const (
	// Magic is the fixed header line that starts every packet.
	Magic = "DENOBO/1.0"

	// ProtocolVersion is advertised in GREETINGS and ACCEPTED.
	ProtocolVersion = 1

	// MaxBodyLength bounds a single packet body.
	MaxBodyLength = 16 * 1024 * 1024

	// maxLineLength bounds the header lines.
	maxLineLength = 256
)

var codeNames = map[Code]string{
	CodeGreetings:        "GREETINGS",
	CodeAccepted:         "ACCEPTED",
	CodeCredentialsPlz:   "CREDENTIALS_PLZ",
	CodeCredentials:      "CREDENTIALS",
	CodeNoCredentials:    "NO_CREDENTIALS",
	CodeBadCredentials:   "BAD_CREDENTIALS",
	CodeSetCompression:   "SET_COMPRESSION",
	CodeBeginSecure:      "BEGIN_SECURE",
	CodePropagate:        "PROPAGATE",
	CodePoke:             "POKE",
	CodeRouteTo:          "ROUTE_TO",
	CodeRouteFound:       "ROUTE_FOUND",
	CodeInvalidateAgents: "INVALIDATE_AGENTS",
	CodeNo:               "NO",
	CodeTooManyPeers:     "TOO_MANY_PEERS",
}

// String returns the protocol name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(c)) + ")"
}

// Valid reports whether c is part of the enumeration.
func (c Code) Valid() bool {
	_, ok := codeNames[c]
	return ok
}

// IsHandshake reports whether c belongs to the handshake or negotiation families.
func (c Code) IsHandshake() bool {
	return c >= 100 && c < 300
}

// IsSession reports whether c may flow on a live connection.
func (c Code) IsSession() bool {
	return c >= 300 && c < 400
}

// IsError reports whether c belongs to the error family.
func (c Code) IsError() bool {
	return c >= 400 && c < 500
}
