// Package srt carries capture feeds over SRT (Secure Reliable Transport):
// listener mode (Server) accepts feeds pushed by analyzer hosts and caller
// mode (Caller) pulls feeds from remote SRT listeners.
package srt
