package types

import "github.com/Tr1pa/Dataset-Generator/pkg/labels"

// Box represents a normalized bounding box with its top-left corner at (X, Y)
// and coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the box center
func (b Box) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Annotation converts the box to a center-format label for classID. ok is
// false when nothing of the box lies inside the frame.
func (b Box) Annotation(classID int) (labels.Annotation, bool) {
	return labels.FromBounds(classID, b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Localization is a vision model's answer to "where is the damage"
type Localization struct {
	Label       string  `json:"label"`
	Confidence  float64 `json:"confidence"`
	Box         Box     `json:"box"`
	Description string  `json:"description"`
}

// Found reports whether the model located anything
func (l Localization) Found() bool {
	return l.Label != "" && l.Label != "none" && l.Confidence > 0
}

// NoDamage is the conservative answer used when a reply cannot be parsed
func NoDamage(description string) *Localization {
	return &Localization{
		Label:       "none",
		Confidence:  0,
		Box:         Box{X: 0, Y: 0, W: 1, H: 1},
		Description: description,
	}
}
