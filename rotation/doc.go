// Package rotation implements the periodic session key rotation protocol.
//
// The call's designated host generates a fresh call key on a fixed
// interval, wraps it for every participant through the key agreement
// provider, and distributes one message per participant carrying the
// wrapped key and a shared future activation timestamp. Every device,
// host included, installs the key as the future generation immediately and
// promotes it to current when the activation time arrives, so packets
// sealed shortly before or after the boundary decrypt on both sides.
//
// Non-host participants only consume rotation messages. Host identity is
// resolved from the externally supplied roster; no election happens here.
package rotation
