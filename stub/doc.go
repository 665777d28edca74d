// Package stub provides interfaces and stub implementations.
//
// Packages in this module use these interfaces and implementations so other software
// reusing these packages won't have to take on unwanted dependencies.
//
// Stubs are provided for: metrics (prometheus).
package stub
