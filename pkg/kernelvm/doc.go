// Package kernelvm is the rule kernel: a small interpreter that evaluates
// declarative compliance rules (trees of handlers) against entity data.
//
// The kernel is pure. It performs no I/O, never reads the wall clock for
// rule semantics, and reports every outcome (including faults and timeouts)
// as a contracts.HandlerResult instead of panicking. Handlers are supplied
// through a Registry; composition handlers reach back into the evaluator
// only through the EvaluateFunc they are given.
package kernelvm

// VMVersion is the version of the handler VM implemented by this package
// and the built-in handler catalog.
const VMVersion = "1.0.0"
