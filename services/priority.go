package services

import (
	"time"

	"github.com/shopspring/decimal"

	"peermatch-system/models"
)

// Priority score composition, in order of dominance: urgency base,
// linear wait-time credit, session-type bonus, skill-breadth bonus.
// The wait credit is unbounded so elapsed time eventually dominates any
// urgency base (anti-starvation).
const (
	urgencyBaseLow    = 100
	urgencyBaseMedium = 500
	urgencyBaseHigh   = 1000

	sessionBonusCollaboration = 50
	sessionBonusLearning      = 30
	sessionBonusTeaching      = 20

	skillBonusPerSkill = 10
	skillBonusCap      = 50
)

func urgencyBase(u models.Urgency) float64 {
	switch u {
	case models.UrgencyHigh:
		return urgencyBaseHigh
	case models.UrgencyMedium:
		return urgencyBaseMedium
	default:
		return urgencyBaseLow
	}
}

func sessionBonus(t models.SessionType) float64 {
	switch t {
	case models.SessionCollaboration:
		return sessionBonusCollaboration
	case models.SessionLearning:
		return sessionBonusLearning
	default:
		return sessionBonusTeaching
	}
}

func skillBonus(skills []string) float64 {
	bonus := float64(len(skills) * skillBonusPerSkill)
	if bonus > skillBonusCap {
		return skillBonusCap
	}
	return bonus
}

// ComputePriority scores one entry at the given instant. Higher is served
// sooner. Rounded to 2 decimal places for stable ordering in the ranked index.
func ComputePriority(entry *models.QueueEntry, now time.Time, creditPerMinute float64) float64 {
	waited := now.Sub(entry.JoinedAt).Minutes()
	if waited < 0 {
		waited = 0
	}

	score := urgencyBase(entry.Urgency) +
		creditPerMinute*waited +
		sessionBonus(entry.SessionType) +
		skillBonus(entry.PreferredSkills)

	rounded, _ := decimal.NewFromFloat(score).Round(2).Float64()
	return rounded
}

// OvertakeMinutes is the guaranteed maximum time before a low-urgency entry
// outscores a freshly admitted high-urgency one, absent other factors.
// With the default credit of 2/min that is (1000-100)/2 = 450 minutes.
func OvertakeMinutes(creditPerMinute float64) float64 {
	if creditPerMinute <= 0 {
		return 0
	}
	return (urgencyBaseHigh - urgencyBaseLow) / creditPerMinute
}

// compatibleTypes is keyed by the requester's session type; the value set
// lists candidate types the requester may be paired with. Learners pair with
// teachers, teachers with learners, and collaboration pairs with everything.
var compatibleTypes = map[models.SessionType]map[models.SessionType]bool{
	models.SessionLearning: {
		models.SessionTeaching:      true,
		models.SessionCollaboration: true,
	},
	models.SessionTeaching: {
		models.SessionLearning:      true,
		models.SessionCollaboration: true,
	},
	models.SessionCollaboration: {
		models.SessionCollaboration: true,
		models.SessionLearning:      true,
		models.SessionTeaching:      true,
	},
}

// Compatible reports whether a candidate's session type is acceptable for
// the requester's type.
func Compatible(requester, candidate models.SessionType) bool {
	return compatibleTypes[requester][candidate]
}
