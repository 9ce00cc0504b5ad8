// Package securecall implements the end-to-end media-encryption engine
// for a calling application.
//
// The engine derives, rotates and applies the symmetric keys that protect
// real-time audio and video payloads so relay infrastructure never sees
// plaintext. A CallSession is an explicit per-call context — constructed
// at call start, torn down at call end — that owns the per-modality key
// rings, the frame crypto codecs, the host-driven rotation loop and the
// emergency key recovery protocol. The signaling channel and the
// participant roster are supplied by the application; the media pipeline
// integrates through four pure byte-transform hooks.
//
// Example:
//
//	session, err := securecall.NewCallSession(callID, identity, transport, roster, securecall.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	if session.IsHost() {
//	    if err := session.Start(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
//	// In the media pipeline:
//	wire := session.EncodeAudioFrame(pcmPayload) // empty result: drop the frame
//	plain := session.DecodeAudioFrame(wire)      // empty result: drop the frame
package securecall
