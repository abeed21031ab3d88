package pipeline

import (
	"strings"
)

// Mode names a fixed stage composition selected by the client.
type Mode string

const (
	ModeNone          Mode = "none"
	ModeMaskDetection Mode = "mask-detection"
	ModeAgeGender     Mode = "age-gender-detect"
	ModeDetectAll     Mode = "detect-all"
)

var modes = []Mode{ModeNone, ModeMaskDetection, ModeAgeGender, ModeDetectAll}

func Modes() []Mode {
	out := make([]Mode, len(modes))
	copy(out, modes)
	return out
}

// ParseMode resolves a client supplied mode name. Matching ignores case and
// surrounding blanks so "Mask-detection" and "mask-detection" are the same
// mode. Unknown names are a *ConfigError; there is no fallback mode.
func ParseMode(name string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range modes {
		if m == known {
			return m, nil
		}
	}
	return "", &ConfigError{Mode: name, Reason: "unknown transform mode"}
}

// Models are the process wide handles stages are built from. Any of them may
// be nil, in which case the modes that need it are unavailable.
type Models struct {
	Detector  Detector
	Mask      Model
	AgeGender Model
	Detect    DetectParams
}

// Catalog maps every mode to its stage list. Stage lists are built once and
// shared by every pipeline of that mode.
type Catalog struct {
	stages  map[Mode][]Stage
	missing map[Mode]string
}

func NewCatalog(m Models) *Catalog {
	c := &Catalog{
		stages:  make(map[Mode][]Stage, len(modes)),
		missing: make(map[Mode]string),
	}
	c.stages[ModeNone] = []Stage{PassthroughStage{}}

	if m.Detector == nil {
		c.missing[ModeMaskDetection] = "face detector not configured"
		c.missing[ModeAgeGender] = "face detector not configured"
		c.missing[ModeDetectAll] = "face detector not configured"
		return c
	}

	detect := NewFaceDetectStage(m.Detector, m.Detect)
	overlay := NewOverlayRenderStage()

	if m.Mask != nil {
		c.stages[ModeMaskDetection] = []Stage{detect, NewMaskClassifyStage(m.Mask), overlay}
	} else {
		c.missing[ModeMaskDetection] = "mask model not configured"
	}

	if m.AgeGender != nil {
		c.stages[ModeAgeGender] = []Stage{detect, NewAgeGenderClassifyStage(m.AgeGender), overlay}
	} else {
		c.missing[ModeAgeGender] = "age/gender model not configured"
	}

	switch {
	case m.Mask == nil:
		c.missing[ModeDetectAll] = "mask model not configured"
	case m.AgeGender == nil:
		c.missing[ModeDetectAll] = "age/gender model not configured"
	default:
		c.stages[ModeDetectAll] = []Stage{
			detect,
			NewMaskClassifyStage(m.Mask),
			NewConditionalAgeGenderStage(m.AgeGender),
			overlay,
		}
	}

	return c
}

// Available lists the modes this catalog can build, in declaration order.
func (c *Catalog) Available() []Mode {
	var out []Mode
	for _, m := range modes {
		if _, ok := c.stages[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Resolve validates name and returns the mode it refers to.
func (c *Catalog) Resolve(name string) (Mode, error) {
	mode, err := ParseMode(name)
	if err != nil {
		return "", err
	}
	if reason, ok := c.missing[mode]; ok {
		return "", &ConfigError{Mode: name, Reason: reason}
	}
	return mode, nil
}

// Pipeline builds a pipeline for the named mode.
func (c *Catalog) Pipeline(name string, opts ...Option) (*Pipeline, error) {
	mode, err := c.Resolve(name)
	if err != nil {
		return nil, err
	}
	return Compose(mode, c.stages[mode], opts...), nil
}
