// Package opencv provides the face detector and classifier models on top of
// OpenCV through gocv.
package opencv

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"video-transformer/internal/frame"
	"video-transformer/internal/pipeline"
)

// CascadeDetector finds faces with a Haar cascade on a grayscale copy of the
// frame. It implements pipeline.Detector.
type CascadeDetector struct {
	// OpenCV classifiers keep scratch state; one scan at a time.
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
}

func NewCascadeDetector(path string) (*CascadeDetector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("opencv: load cascade %s", path)
	}
	return &CascadeDetector{classifier: classifier}, nil
}

func (d *CascadeDetector) DetectFaces(f *frame.Frame, params pipeline.DetectParams) ([]image.Rectangle, error) {
	img, err := gocv.NewMatFromBytes(f.Height(), f.Width(), gocv.MatTypeCV8UC3, f.Data())
	if err != nil {
		return nil, fmt.Errorf("opencv: frame to mat: %w", err)
	}
	defer img.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifier.DetectMultiScaleWithParams(gray, params.ScaleFactor, params.MinNeighbors, 0, image.Point{}, image.Point{}), nil
}

func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifier.Close()
}
