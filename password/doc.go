// Package password implements password hashing and verification with
// Argon2id.
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// The hasher supports transparent parameter upgrades: if a stored hash was
// produced with weaker parameters than the current config,
// [Argon2.NeedsUpgrade] returns true so the caller can re-hash on the next
// successful login.
//
// This package owns hashing and verification only. It never stores
// credentials and never logs plaintext or parameters.
package password
