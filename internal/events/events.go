// Package events turns session transitions and per-frame detections into
// messages for websocket subscribers and other emitters.
package events

import (
	"time"

	"video-transformer/internal/frame"
	"video-transformer/internal/pipeline"
	"video-transformer/internal/session"
	"video-transformer/internal/track"
)

const (
	EventState      = "state"
	EventDetections = "detections"
)

type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

type Detection struct {
	Box    Box    `json:"box"`
	Mask   string `json:"mask,omitempty"`
	Gender string `json:"gender,omitempty"`
	Age    *int   `json:"age,omitempty"`
}

type Message struct {
	Event      string      `json:"event"`
	SessionID  string      `json:"session_id"`
	State      string      `json:"state,omitempty"`
	From       string      `json:"from,omitempty"`
	TrackID    string      `json:"track_id,omitempty"`
	PTS        int64       `json:"pts,omitempty"`
	Detections []Detection `json:"detections,omitempty"`
	Time       time.Time   `json:"time"`
}

// Emitter delivers messages somewhere. Emit must not block on slow
// consumers: it is called from track loops.
type Emitter interface {
	Emit(msg Message)
}

// Multi fans a message out to every emitter in order.
type Multi []Emitter

func (m Multi) Emit(msg Message) {
	for _, e := range m {
		e.Emit(msg)
	}
}

func StateMessage(sessionID string, from, to session.State) Message {
	return Message{
		Event:     EventState,
		SessionID: sessionID,
		State:     to.String(),
		From:      from.String(),
		Time:      time.Now().UTC(),
	}
}

func DetectionMessage(sessionID, trackID string, f *frame.Frame, res pipeline.Results) Message {
	dets := make([]Detection, 0, res.Len())
	for _, d := range res.Detections {
		out := Detection{
			Box: Box{X: d.Box.Min.X, Y: d.Box.Min.Y, W: d.Box.Dx(), H: d.Box.Dy()},
		}
		if d.Mask != pipeline.MaskUnknown {
			out.Mask = d.Mask.String()
		}
		if d.AgeGender != nil {
			age := d.AgeGender.Age
			out.Gender = d.AgeGender.Gender.String()
			out.Age = &age
		}
		dets = append(dets, out)
	}
	return Message{
		Event:      EventDetections,
		SessionID:  sessionID,
		TrackID:    trackID,
		PTS:        f.PTS(),
		Detections: dets,
		Time:       time.Now().UTC(),
	}
}

// StateFunc reports every transition of a session to e.
func StateFunc(e Emitter) session.StateFunc {
	return func(s *session.Session, from, to session.State) {
		e.Emit(StateMessage(s.ID(), from, to))
	}
}

// ResultFunc reports frames with at least one detection to e.
func ResultFunc(e Emitter, sessionID string) track.ResultFunc {
	return func(trackID string, f *frame.Frame, res pipeline.Results) {
		if res.Len() == 0 {
			return
		}
		e.Emit(DetectionMessage(sessionID, trackID, f, res))
	}
}
