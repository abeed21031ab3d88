package pipeline

import (
	"context"
	"fmt"
	"math"

	"video-transformer/internal/frame"
)

const (
	MaskInputSize      = 224
	AgeGenderInputSize = 64
	AgeBins            = 101
	MaxAge             = AgeBins - 1
)

// MaskFromScore maps the mask model's raw score to a label: anything above
// zero means no mask, zero and below means masked.
func MaskFromScore(score float32) MaskStatus {
	if score > 0 {
		return Unmasked
	}
	return Masked
}

// ExpectedAge is the mean of a probability distribution over ages 0..100.
func ExpectedAge(dist []float32) int {
	var sum float64
	for age, p := range dist {
		sum += float64(age) * float64(p)
	}

	age := int(math.Round(sum))
	switch {
	case age < 0:
		return 0
	case age > MaxAge:
		return MaxAge
	}
	return age
}

// AgeGenderFromOutputs reads a (gender probability, age distribution) model
// result. The outputs are told apart by length so the net's output order does
// not matter.
func AgeGenderFromOutputs(outputs [][]float32) (AgeGender, error) {
	if len(outputs) != 2 {
		return AgeGender{}, fmt.Errorf("%w: %d outputs, want 2", ErrModelOutput, len(outputs))
	}

	gender, ages := outputs[0], outputs[1]
	if len(gender) == AgeBins {
		gender, ages = ages, gender
	}
	if len(gender) == 0 || len(ages) != AgeBins {
		return AgeGender{}, fmt.Errorf("%w: output sizes %d and %d", ErrModelOutput, len(gender), len(ages))
	}

	g := Male
	if gender[0] > 0.5 {
		g = Female
	}
	return AgeGender{Gender: g, Age: ExpectedAge(ages)}, nil
}

// MaskClassifyStage labels every detection Masked or Unmasked.
type MaskClassifyStage struct {
	model Model
}

func NewMaskClassifyStage(model Model) *MaskClassifyStage {
	return &MaskClassifyStage{model: model}
}

func (s *MaskClassifyStage) Name() string { return "mask-classify" }

func (s *MaskClassifyStage) Apply(ctx context.Context, f *frame.Frame, acc Results) (*frame.Frame, Results, error) {
	out := acc.clone()
	for i, d := range out.Detections {
		if err := ctx.Err(); err != nil {
			return nil, Results{}, err
		}

		tensor, err := PatchTensor(f, d.Box, MaskInputSize)
		if err != nil {
			return nil, Results{}, err
		}
		outputs, err := s.model.Predict(tensor)
		if err != nil {
			return nil, Results{}, err
		}
		if len(outputs) == 0 || len(outputs[0]) == 0 {
			return nil, Results{}, fmt.Errorf("%w: empty mask score", ErrModelOutput)
		}

		out.Detections[i].Mask = MaskFromScore(outputs[0][0])
	}

	return f, out, nil
}

// AgeGenderClassifyStage attaches an AgeGender estimate to every detection it
// is given.
type AgeGenderClassifyStage struct {
	model Model
}

func NewAgeGenderClassifyStage(model Model) *AgeGenderClassifyStage {
	return &AgeGenderClassifyStage{model: model}
}

func (s *AgeGenderClassifyStage) Name() string { return "age-gender-classify" }

func (s *AgeGenderClassifyStage) Apply(ctx context.Context, f *frame.Frame, acc Results) (*frame.Frame, Results, error) {
	out := acc.clone()
	for i, d := range out.Detections {
		if err := ctx.Err(); err != nil {
			return nil, Results{}, err
		}

		tensor, err := PatchTensor(f, d.Box, AgeGenderInputSize)
		if err != nil {
			return nil, Results{}, err
		}
		outputs, err := s.model.Predict(tensor)
		if err != nil {
			return nil, Results{}, err
		}
		ag, err := AgeGenderFromOutputs(outputs)
		if err != nil {
			return nil, Results{}, err
		}

		out.Detections[i].AgeGender = &ag
	}

	return f, out, nil
}

// NewConditionalAgeGenderStage estimates age and gender only for faces an
// earlier mask stage found unmasked.
func NewConditionalAgeGenderStage(model Model) Stage {
	return When("conditional-age-gender", IsUnmasked, NewAgeGenderClassifyStage(model))
}
