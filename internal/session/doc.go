// Package session runs one realtime denoising session: it opens the capture
// and optional playback devices, wires their callbacks through the
// accumulator, processor and ring buffer of package pipeline, and keeps the
// devices alive across underruns and overruns.
//
// The [Controller] state machine is
//
//	Idle --Configure--> Configured --Start--> Running --Stop--> Stopped --Cleanup--> Idle
//
// Control operations are serialised by a mutex and never run inside a device
// callback. The callbacks themselves share nothing with the control path but
// atomics: a cancellation flag checked once per invocation, the ring
// buffer's cursors, and the clear/reset requests consumed at callback entry.
package session
