// Package windowstore provides the shared counter store behind the rate limiter.
//
// A window counter is an integer that lives until its TTL expires. The one
// operation that matters is CheckAndIncrement: read every counter, and only if
// none has reached its limit, increment all of them, bootstrapping the TTL of
// any counter that has none. Each driver runs that as a single indivisible step:
//   - redis:  a Lua script (EVALSHA), atomic across every client of the server
//   - sqlite: a BEGIN IMMEDIATE transaction, atomic across processes sharing the file
//   - memory: a mutex, atomic within one process (tests, single-instance setups)
package windowstore
