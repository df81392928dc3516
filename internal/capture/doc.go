// Package capture turns the raw byte stream of a USB bus analyzer into
// decoded packets. It provides the first two decode stages: a [Reorderer]
// that restores tic order across the analyzer's interleaved internal
// channels, and a [Packetiser] that frames records into packets, raw spans,
// bus resets and the end-of-stream sentinel.
//
// Record layout (little-endian):
//
//	offset size field
//	0      1    marker: 0xA0 | kind
//	1      1    hardware channel
//	2      2    payload length
//	4      6    tic (48 bit)
//	10     n    payload
//
// Kinds are packet (USB packet bytes from the PID), raw (bytes the
// hardware could not frame), reset (4-byte duration in tics) and end.
package capture
