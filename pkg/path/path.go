// Package path provides path selection algorithms for Tor circuits.
// This package implements guard, middle, and exit node selection.
package path

// TODO: Implement guard node selection and persistence
// TODO: Implement exit node selection based on port policies
// TODO: Implement middle node selection
// TODO: Implement path diversity algorithms
// TODO: Implement bridge support
