// SPDX-License-Identifier: MPL-2.0

// Package channel provides the duplex message pipe that connects a worker to
// its creator.
//
// A pair of endpoints is created with NewPair. Each endpoint owns a send half
// and a receive half; what one endpoint sends, the other receives, in order.
// The pipe is bounded: Send never blocks and reports ErrFull when the peer has
// not drained its buffer.
//
// Besides opaque byte payloads, an endpoint can send control signals
// (SignalTerminate) that travel in order with the data. Closing a send half
// makes the peer observe io.EOF exactly once, after every message sent before
// the close has been delivered.
package channel
