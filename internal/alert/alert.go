// Package alert decides whether speech toxicity scores warrant notifying
// the contact list.
package alert

import "github.com/mikeyg42/anomalycam/internal/events"

// Score keys as produced by the toxicity scorer.
const (
	Toxicity       = "toxicity"
	Threat         = "threat"
	Insult         = "insult"
	IdentityAttack = "identity_attack"
)

// Scores maps attribute name to probability in [0,1]. Missing attributes
// count as 0.
type Scores map[string]float64

func (s Scores) Get(key string) float64 {
	if s == nil {
		return 0
	}
	return s[key]
}

// Alert texts.
const (
	EmergencyText = "⚠ ALERT: Possible emergency detected! Check the environment."
	AbuseText     = "⚠ ALERT: Possible harmful or abusive speech detected."
)

// Subjects per capture mode.
const (
	LiveSubject   = "Emergency Alert"
	UploadSubject = "Emergency Alert (During Upload)"
)

type Level int

const (
	LevelNone Level = iota
	LevelAbuse
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelEmergency:
		return "emergency"
	case LevelAbuse:
		return "abuse"
	}
	return "none"
}

// Message is an alert ready for dispatch.
type Message struct {
	Subject string
	Body    string
	Level   Level
}

// Classify applies the rules in order; the first match wins.
//  1. threat > 0.2 or toxicity > 0.6 is an emergency
//  2. identity_attack > 0.3 or insult > 0.4 is abuse
func Classify(s Scores) Level {
	switch {
	case s.Get(Threat) > 0.2 || s.Get(Toxicity) > 0.6:
		return LevelEmergency
	case s.Get(IdentityAttack) > 0.3 || s.Get(Insult) > 0.4:
		return LevelAbuse
	}
	return LevelNone
}

// Text returns the alert body for scores, or "" when no rule matches.
func Text(s Scores) string {
	switch Classify(s) {
	case LevelEmergency:
		return EmergencyText
	case LevelAbuse:
		return AbuseText
	}
	return ""
}

// Decide builds the message for mode. ok is false when no alert is due.
func Decide(s Scores, mode events.Mode) (Message, bool) {
	level := Classify(s)
	if level == LevelNone {
		return Message{}, false
	}
	return Message{Subject: Subject(mode), Body: Text(s), Level: level}, true
}

func Subject(mode events.Mode) string {
	if mode == events.ModeUpload {
		return UploadSubject
	}
	return LiveSubject
}
