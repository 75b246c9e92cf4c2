// Package frames owns frame identity and the per-frame result carrier.
//
// Responsibilities: minting a FrameID for every admitted frame, holding the
// canonical version of each in-flight Carrier, merging stage results into new
// carrier versions, and retiring carriers after completion.
// Key types: FrameID, Carrier, StageResult, Registry.
//
// Ownership rule: the Registry is the only writer. Every write publishes a new
// Carrier; a *Carrier obtained earlier is a read-only historical snapshot and
// is never mutated underneath its holder.
package frames
