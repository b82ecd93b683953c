package tensor

// Backend defines the interface that all compute backends must implement.
// Backends handle the actual computation for tensor operations.
//
// Implementations:
//   - CPU: pure Go with goroutine-parallel inner loops (internal/backend/cpu)
//   - Autodiff: decorator that records operations on a gradient tape (internal/autodiff)
//
// All image tensors are NCHW. Shape violations are programmer errors and
// panic with a message prefixed by the operation name.
type Backend interface {
	// Element-wise binary operations with NumPy-style broadcasting
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor
	Div(a, b *RawTensor) *RawTensor

	// MatMul multiplies 2D matrices: [M, K] @ [K, N] -> [M, N].
	MatMul(a, b *RawTensor) *RawTensor

	// Convolutional operations.
	// Padding is symmetric; asymmetric "same" padding is applied by callers
	// with Pad2D before a padding-0 convolution.
	Conv2D(input, kernel *RawTensor, stride, padding int) *RawTensor
	Conv2DInputBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor
	Conv2DKernelBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor
	MaxPool2D(input *RawTensor, kernelSize, stride int) *RawTensor
	MaxPool2DBackward(input, grad *RawTensor, maxIndices []int, kernelSize, stride int) *RawTensor

	// Spatial resampling
	Pad2D(x *RawTensor, top, bottom, left, right int) *RawTensor
	Upsample2D(x *RawTensor, factor int) *RawTensor // nearest neighbour
	Upsample2DBackward(grad *RawTensor, factor int) *RawTensor

	// CropAndResize bilinearly samples a cropH x cropW grid from each box.
	// boxes is [R, 4] holding normalized (x1, y1, x2, y2); boxIndices[r]
	// selects the batch image for box r. Output: [R, C, cropH, cropW].
	CropAndResize(features, boxes *RawTensor, boxIndices []int, cropH, cropW int) *RawTensor
	CropAndResizeBackward(grad, boxes *RawTensor, boxIndices []int, featureShape Shape) *RawTensor

	// Shape operations
	Reshape(t *RawTensor, newShape Shape) *RawTensor
	Transpose(t *RawTensor, axes ...int) *RawTensor

	// Scalar operations (element-wise with scalar)
	MulScalar(x *RawTensor, scalar float32) *RawTensor
	AddScalar(x *RawTensor, scalar float32) *RawTensor

	// Math operations (element-wise)
	Exp(x *RawTensor) *RawTensor
	Log(x *RawTensor) *RawTensor
	Sqrt(x *RawTensor) *RawTensor
	Rsqrt(x *RawTensor) *RawTensor

	// Activation functions
	ReLU(x *RawTensor) *RawTensor
	Sigmoid(x *RawTensor) *RawTensor
	Softmax(x *RawTensor, dim int) *RawTensor

	// Reduction operations
	Sum(x *RawTensor) *RawTensor                            // total sum (scalar result)
	SumDim(x *RawTensor, dim int, keepDim bool) *RawTensor  // sum along dimension
	MeanDim(x *RawTensor, dim int, keepDim bool) *RawTensor // mean along dimension

	// Manipulation operations
	Cat(tensors []*RawTensor, dim int) *RawTensor
	Slice(x *RawTensor, dim, start, end int) *RawTensor
	IndexSelect(x *RawTensor, indices []int) *RawTensor // rows of dim 0
	IndexAdd(grad *RawTensor, indices []int, rows int) *RawTensor

	// Metadata
	Name() string
	Device() Device
}
