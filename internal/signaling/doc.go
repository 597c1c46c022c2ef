// Package signaling relays WebRTC session setup between parties that cannot
// address each other directly.
//
// Clients connect to GET /signal, authenticate, join the room of the device
// they want to reach, and exchange offer/answer/ICE candidate events. The
// relay attaches the sender's connection id and forwards payloads verbatim;
// it never inspects them.
package signaling
