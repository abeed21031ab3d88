package opencv

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"gocv.io/x/gocv"

	"video-transformer/internal/pipeline"
)

// NetModel runs a network loaded with OpenCV's DNN module (ONNX, TensorFlow
// or Caffe, picked from the file extension). It implements pipeline.Model
// and returns the network's unconnected outputs in layer order.
type NetModel struct {
	mu      sync.Mutex
	net     gocv.Net
	outputs []string
}

func NewNetModel(path string) (*NetModel, error) {
	net := gocv.ReadNet(path, "")
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("opencv: load network %s", path)
	}

	names := net.GetLayerNames()
	var outputs []string
	for _, id := range net.GetUnconnectedOutLayers() {
		// layer ids are 1-based
		if id >= 1 && id <= len(names) {
			outputs = append(outputs, names[id-1])
		}
	}
	return &NetModel{net: net, outputs: outputs}, nil
}

func (m *NetModel) Predict(t pipeline.Tensor) ([][]float32, error) {
	blob, err := gocv.NewMatWithSizesFromBytes(t.Shape, gocv.MatTypeCV32F, float32Bytes(t.Data))
	if err != nil {
		return nil, fmt.Errorf("opencv: tensor to blob: %w", err)
	}
	defer blob.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.net.SetInput(blob, "")
	var mats []gocv.Mat
	if len(m.outputs) > 1 {
		mats = m.net.ForwardLayers(m.outputs)
	} else {
		mats = []gocv.Mat{m.net.Forward("")}
	}
	defer func() {
		for _, mat := range mats {
			mat.Close()
		}
	}()

	out := make([][]float32, 0, len(mats))
	for _, mat := range mats {
		data, err := mat.DataPtrFloat32()
		if err != nil {
			return nil, fmt.Errorf("opencv: read output: %w", err)
		}
		out = append(out, append([]float32(nil), data...))
	}
	return out, nil
}

func (m *NetModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Close()
}

func float32Bytes(data []float32) []byte {
	b := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}
