// Package source feeds the fusion loop. Readers decode line-delimited JSON
// messages from a serial link, a pcap capture or a log file into a Buffer,
// which the loop polls once per cycle.
package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/posefusion/internal/vision"
)

// MessageType identifies the payload of a Message.
type MessageType string

const (
	MessageObservation MessageType = "observation"
	MessageAttitude    MessageType = "attitude"
	MessageOdometry    MessageType = "odometry"
)

// ErrUnknownMessage is returned by Decode for an unrecognised "type".
var ErrUnknownMessage = errors.New("unknown message type")

// Message is one decoded line. Exactly one of Observation, TiltRadians or
// Odometry is meaningful, selected by Type.
type Message struct {
	Type             MessageType
	TimestampSeconds float64
	Observation      vision.Observation
	TiltRadians      float64
	Odometry         vision.Pose2D
}

// wireMessage is the JSON shape on the wire, e.g.
//
//	{"type":"observation","t":12.5,"pose":{"x":1,"y":2,"heading":0.1},"strategy":"multi","landmarks":[{"id":3,"ambiguity":0.05}]}
//	{"type":"attitude","t":12.5,"roll":0.01,"pitch":0.02}
//	{"type":"odometry","t":12.5,"delta":{"x":0.01,"y":0,"heading":0.002}}
type wireMessage struct {
	Type      MessageType               `json:"type"`
	T         float64                   `json:"t"`
	Pose      *vision.Pose2D            `json:"pose,omitempty"`
	Strategy  vision.Strategy           `json:"strategy,omitempty"`
	Landmarks []vision.LandmarkSighting `json:"landmarks,omitempty"`
	Roll      *float64                  `json:"roll,omitempty"`
	Pitch     *float64                  `json:"pitch,omitempty"`
	Tilt      *float64                  `json:"tilt,omitempty"`
	Delta     *vision.Pose2D            `json:"delta,omitempty"`
}

// Decode parses one JSON message. An attitude message may carry either a
// precomputed "tilt" or "roll" and "pitch" in radians.
func Decode(line []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}

	m := Message{Type: w.Type, TimestampSeconds: w.T}
	switch w.Type {
	case MessageObservation:
		if w.Pose == nil {
			return Message{}, fmt.Errorf("observation at t=%.3f has no pose", w.T)
		}
		strategy := vision.Strategy(strings.ToLower(string(w.Strategy)))
		if strategy != vision.StrategySingle && strategy != vision.StrategyMulti {
			return Message{}, fmt.Errorf("observation at t=%.3f: unsupported strategy %q", w.T, w.Strategy)
		}
		m.Observation = vision.Observation{
			Pose:             *w.Pose,
			TimestampSeconds: w.T,
			Landmarks:        w.Landmarks,
			Strategy:         strategy,
		}
	case MessageAttitude:
		switch {
		case w.Tilt != nil:
			m.TiltRadians = math.Abs(*w.Tilt)
		case w.Roll != nil || w.Pitch != nil:
			var roll, pitch float64
			if w.Roll != nil {
				roll = *w.Roll
			}
			if w.Pitch != nil {
				pitch = *w.Pitch
			}
			m.TiltRadians = vision.TiltFromRollPitch(roll, pitch)
		default:
			return Message{}, fmt.Errorf("attitude at t=%.3f has neither tilt nor roll/pitch", w.T)
		}
	case MessageOdometry:
		if w.Delta == nil {
			return Message{}, fmt.Errorf("odometry at t=%.3f has no delta", w.T)
		}
		m.Odometry = *w.Delta
	default:
		return Message{}, fmt.Errorf("%w %q", ErrUnknownMessage, w.Type)
	}
	return m, nil
}

// Encode renders m in the wire format accepted by Decode.
func Encode(m Message) ([]byte, error) {
	w := wireMessage{Type: m.Type, T: m.TimestampSeconds}
	switch m.Type {
	case MessageObservation:
		pose := m.Observation.Pose
		w.Pose = &pose
		w.Strategy = m.Observation.Strategy
		w.Landmarks = m.Observation.Landmarks
	case MessageAttitude:
		tilt := m.TiltRadians
		w.Tilt = &tilt
	case MessageOdometry:
		delta := m.Odometry
		w.Delta = &delta
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMessage, m.Type)
	}
	return json.Marshal(w)
}
