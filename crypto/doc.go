// Package crypto implements the key agreement and symmetric primitives
// for the securecall media-encryption engine.
//
// This package handles device identity generation, session key wrapping
// for distribution, shared secret derivation, and the AEAD used to seal
// media frames, built on Go's x/crypto packages and the standard library
// crypto implementations.
//
// Example:
//
//	id, err := crypto.GenerateIdentity()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(id.PublicKeyBytes()))
package crypto
