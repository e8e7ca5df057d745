package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initOnce sync.Once
	initErr  error
)

// Init prepares the ONNX Runtime environment. libPath points at the
// onnxruntime shared library; an empty path leaves the default lookup
// in place. Safe to call more than once; the environment is shared by
// every runner in the process and torn down by Shutdown.
func Init(libPath string) error {
	initOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

// Shutdown destroys the shared ONNX Runtime environment. Call after
// every runner is closed.
func Shutdown() error {
	return ort.DestroyEnvironment()
}

// ONNXRunner runs a single-input single-output ONNX model with fixed
// tensor shapes allocated once at load time.
type ONNXRunner struct {
	in   *ort.Tensor[float32]
	out  *ort.Tensor[float32]
	sess *ort.AdvancedSession
}

// LoadONNX opens the model at path and allocates its input and output
// tensors with the given shapes. All element access is float32. Init
// must have succeeded first.
func LoadONNX(path string, inputShape, outputShape []int64) (*ONNXRunner, error) {
	in, err := ort.NewEmptyTensor[float32](ort.NewShape(inputShape...))
	if err != nil {
		return nil, fmt.Errorf("model %s: input tensor: %w", path, err)
	}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(outputShape...))
	if err != nil {
		in.Destroy()
		return nil, fmt.Errorf("model %s: output tensor: %w", path, err)
	}

	inInfo, outInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	sess, err := ort.NewAdvancedSession(
		path,
		[]string{inInfo[0].Name}, []string{outInfo[0].Name},
		[]ort.Value{in}, []ort.Value{out},
		nil,
	)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("model %s: session: %w", path, err)
	}

	return &ONNXRunner{in: in, out: out, sess: sess}, nil
}

// Inputs returns the writable input tensor data.
func (r *ONNXRunner) Inputs() []float32 {
	return r.in.GetData()
}

// Outputs returns the readable output tensor data.
func (r *ONNXRunner) Outputs() []float32 {
	return r.out.GetData()
}

// Run performs a synchronous forward pass.
func (r *ONNXRunner) Run() error {
	return r.sess.Run()
}

// Close releases the session and its tensors.
func (r *ONNXRunner) Close() error {
	err := r.sess.Destroy()
	if e := r.in.Destroy(); err == nil {
		err = e
	}
	if e := r.out.Destroy(); err == nil {
		err = e
	}
	return err
}
