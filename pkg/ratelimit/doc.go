// Package ratelimit enforces per-identity request pacing: a fixed-size
// sliding window bounding how many requests an identity may issue per
// interval, plus a mandatory randomized delay between consecutive
// requests.
//
// The delay is redrawn from [MinDelay, MaxDelay] on every reservation.
// Deterministic fixed delays are a detectable fingerprint on the platform
// side, so the draw is never cached or reused.
//
// Invariant: the count inside any rolling window never exceeds
// MaxPerWindow. Rejected reservations are not counted.
package ratelimit
