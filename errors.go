package mininetem

//
// Errors
//

import "errors"

// ErrStackClosed indicates that the network stack or the NIC has been closed.
var ErrStackClosed = errors.New("mininetem: network stack closed")

// ErrNoPacket indicates there's no packet ready.
var ErrNoPacket = errors.New("mininetem: no packet in buffer")

// ErrPacketDropped indicates that a packet was dropped.
var ErrPacketDropped = errors.New("mininetem: packet was dropped")

// ErrNotIPAddress indicates that a string is not a valid IP address.
var ErrNotIPAddress = errors.New("mininetem: not a valid IP address")
