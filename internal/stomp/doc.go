// Package stomp implements the STOMP 1.2 frame codec used by the task feed.
//
// A frame on the wire is:
//
//	COMMAND
//	header1:value1
//	header2:value2
//
//	body^@
//
// Frames are parsed and written with github.com/go-stomp/stomp/v3/frame.
// Decode first bounds the frame within the message so a bogus
// content-length or trailing bytes are rejected before the reader runs.
//
// The codec is stateless:
//   - Encode never fails for a well-formed Frame
//   - Decode wraps every failure in ErrMalformedFrame
//   - messages made only of EOLs are heart-beats (see IsHeartbeat)
package stomp
