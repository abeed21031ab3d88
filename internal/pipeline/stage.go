// Package pipeline turns one decoded frame into an annotated frame by folding
// it through an ordered list of stages.
//
// A stage either derives results from the frame (detectors, classifiers),
// draws accumulated results onto a copy of the frame (overlay), or both.
// Stages never modify the frame they are given, so a failing stage can not
// leave a half-drawn picture behind: the pipeline simply returns the input.
package pipeline

import (
	"context"
	"image"
	"strconv"

	"video-transformer/internal/frame"
)

// Stage is one unit of per-frame work. Implementations must be safe for
// concurrent use by many tracks: all per-frame state lives in the arguments.
type Stage interface {
	Name() string
	Apply(ctx context.Context, f *frame.Frame, acc Results) (*frame.Frame, Results, error)
}

type MaskStatus int

const (
	MaskUnknown MaskStatus = iota
	Masked
	Unmasked
)

func (m MaskStatus) String() string {
	switch m {
	case Masked:
		return "masked"
	case Unmasked:
		return "unmasked"
	default:
		return "unknown"
	}
}

func (m MaskStatus) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

type Gender int

const (
	Male Gender = iota
	Female
)

func (g Gender) String() string {
	if g == Female {
		return "Female"
	}
	return "Male"
}

func (g Gender) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

type AgeGender struct {
	Gender Gender `json:"gender"`
	Age    int    `json:"age"`
}

func (ag AgeGender) String() string {
	return ag.Gender.String() + " " + strconv.Itoa(ag.Age)
}

// ClassKind tags which classification a detection carries.
type ClassKind int

const (
	KindNone ClassKind = iota
	KindMask
	KindAgeGender
)

// Detection is one bounding box with whatever classifications earlier stages
// attached to it.
type Detection struct {
	Box       image.Rectangle `json:"box"`
	Mask      MaskStatus      `json:"mask,omitempty"`
	AgeGender *AgeGender      `json:"age_gender,omitempty"`
}

// Kind reports the most specific classification present on d.
func (d Detection) Kind() ClassKind {
	switch {
	case d.AgeGender != nil:
		return KindAgeGender
	case d.Mask != MaskUnknown:
		return KindMask
	default:
		return KindNone
	}
}

// Results accumulate across the stages of a single pass and are dropped
// afterwards. Stages return a new Results instead of editing acc in place.
type Results struct {
	Detections []Detection `json:"detections"`
}

func (r Results) Len() int {
	return len(r.Detections)
}

// clone copies the detection slice so a stage can annotate it.
func (r Results) clone() Results {
	if r.Detections == nil {
		return Results{}
	}
	out := make([]Detection, len(r.Detections))
	copy(out, r.Detections)
	return Results{Detections: out}
}
