// Package model abstracts a preloaded tensor model behind a fixed-size
// input buffer, a fixed-size output buffer, and a synchronous forward
// pass. The wakeword trigger drives two of these inside the per-frame
// latency window, so implementations must not allocate on the Run path.
package model

// Runner is the capability the pipeline's neural stages are written
// against. Callers write float32 values into Inputs, call Run, and read
// Outputs; both slices alias the runner's persistent tensors and keep
// their contents until the next Run. A Runner is owned by exactly one
// stage, which closes it.
type Runner interface {
	Inputs() []float32
	Outputs() []float32
	Run() error
	Close() error
}
