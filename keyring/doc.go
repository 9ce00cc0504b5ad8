// Package keyring holds the session media keys for an active call.
//
// Each call owns two independent rings, one per modality (audio and
// video), because the two pipelines tolerate different amounts of packet
// reordering around a key rotation and therefore retain old key
// generations for different windows.
//
// A ring tracks up to three generations of the 256-bit call key: the
// current key, the previous ("backup") key kept for late packets, and the
// next ("future") key installed ahead of a scheduled rotation for early
// packets. The ring is the single writer of key material; the frame
// codecs only read candidate lists from it on the media hot path.
package keyring
