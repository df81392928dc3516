// Package usb decodes and encodes USB 2.0 link-layer packets.
//
// [Decode] is a pure function: it turns the bytes of one packet (PID byte
// onwards, as captured on the wire) into a [Packet] and rejects truncated
// input, unknown or corrupted PIDs and CRC mismatches. [Encode] is its
// inverse for well-formed packets. [ParseSetup] decodes the 8-byte payload
// of a SETUP data stage.
package usb
