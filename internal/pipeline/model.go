package pipeline

import (
	"image"

	"video-transformer/internal/frame"
)

// Tensor is a dense float32 input in NHWC layout.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Model runs inference on a fixed-shape tensor and returns one flattened
// slice per model output. Implementations are shared by every pipeline in
// the process and must tolerate concurrent Predict calls.
type Model interface {
	Predict(t Tensor) ([][]float32, error)
}

// Detector finds face bounding boxes in a frame.
type Detector interface {
	DetectFaces(f *frame.Frame, params DetectParams) ([]image.Rectangle, error)
}

// DetectParams tune a multi-scale classifier scan.
type DetectParams struct {
	ScaleFactor  float64
	MinNeighbors int
}

func DefaultDetectParams() DetectParams {
	return DetectParams{
		ScaleFactor:  1.1,
		MinNeighbors: 4,
	}
}

// PatchTensor crops box out of f, resizes it to size×size and returns it as a
// [1, size, size, 3] tensor. Channels stay in BGR order with raw 0..255
// values, which is what the mask and age/gender models were trained on.
func PatchTensor(f *frame.Frame, box image.Rectangle, size int) (Tensor, error) {
	patch, err := frame.Patch(f, box, size)
	if err != nil {
		return Tensor{}, err
	}

	data := make([]float32, 0, size*size*3)
	for y := 0; y < size; y++ {
		row := patch.Pix[y*patch.Stride : y*patch.Stride+size*4]
		for x := 0; x < size*4; x += 4 {
			data = append(data, float32(row[x+2]), float32(row[x+1]), float32(row[x]))
		}
	}

	return Tensor{Shape: []int{1, size, size, 3}, Data: data}, nil
}
