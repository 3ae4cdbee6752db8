// Package heap implements the block-structured heap shared by the collector
// and the verifier.
//
// This package contains:
//   - Word addresses and the static/heap address split
//   - Blocks, the block pool and free-run coalescing
//   - Closures and their header-derived layout
//   - Generations with their remembered sets and live accounting
//   - Threads, stacks, blackholes and blocking queues
//   - The static object list
//
// All closures live in generation-owned blocks (or the static area). Pointer
// fields are plain addresses into that arena; freeing a block is the only way
// a closure is ever deleted.
package heap
