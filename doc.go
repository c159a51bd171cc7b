// Package authkeep is an embeddable authentication session and token
// lifecycle engine for multi-tenant organization backends.
//
// The [Engine] orchestrates signed access tokens, opaque rotate-on-use
// refresh tokens, durable concurrent-session tracking, token
// revocation, failed-login lockout, and an optional TOTP second factor.
// Credential storage and verification stay with the caller: the engine
// consumes a [UserProvider] for account lookup and dispatches password
// checks to a [CredentialVerifier] chosen by the account's source
// (local Argon2id hash or an external directory).
//
// Correctness guarantees hold across processes: uniqueness of token and
// refresh identifiers, atomic lockout counting, and single-use refresh
// rotation are enforced at the store layer, so multiple engine
// instances can run against the same Postgres and Redis backends.
// Security checks fail closed: when neither cache nor store can answer
// a revocation or lockout lookup, the request is rejected.
//
// Typical wiring:
//
//	engine, err := authkeep.New(cfg, authkeep.Deps{
//		UserProvider:    users,
//		Redis:           redisClient,
//		SessionStore:    session.NewPostgresStore(pool, log),
//		RevocationStore: revocation.NewPostgresStore(pool, log),
//		LockoutStore:    lockout.NewPostgresStore(pool, log),
//		TwoFactorStore:  twofactor.NewPostgresStore(pool, log),
//		AttemptStore:    monitor.NewPostgresStore(pool, log),
//		Logger:          log,
//	})
//
// Leaving the stores nil selects in-memory implementations, which is
// how the test suite runs and is only correct for a single process.
package authkeep
