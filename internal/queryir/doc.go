// Package queryir provides a small sealed filter IR for the read side of the
// truth layer.
//
// List operations (timeline events, relationship snapshots, observations)
// describe what they want as a Select over one table with a predicate tree.
// A backend compiler turns the tree into a parameterized query:
//
//	[read operation] -> [Select + Predicate] -> [querysql]
//
// Query and Predicate are sealed interfaces using the marker method pattern,
// so backends can switch exhaustively over the node types.
//
// Every Select carries an explicit ordering. Backends append a binary-collated
// id tiebreaker so results are totally ordered and identical across runs.
//
// Literal values are ir.Value, never binary floats.
package queryir
