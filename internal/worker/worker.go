// Package worker defines the explicit worker-declaration descriptor
// contract: name/version/interests plus the three callback shapes
// (object-, fact-, hyp-reactive). Per Design Notes §9, this replaces the
// source's decorator-based class surgery with a plain struct registered
// by value.
package worker

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Role classifies a worker template's triggering kind.
type Role string

const (
	RoleNPC       Role = "npc"       // object-reactive, single-instance
	RolePlayer    Role = "player"    // fact/hyp-reactive, cloned per event
	RoleBackStory Role = "backstory" // seed-fact-reactive, single-instance
)

// Interests declares which fact/hyp type-or-group names a Player/BackStory
// reacts to. Facts-only interest lists use FactsOnly; full declarations
// fill both slices explicitly.
type Interests struct {
	Facts []string
	Hyps  []string
}

// FactsOnly builds an Interests value from a flat list, for the common
// case of a worker that only reacts to facts.
func FactsOnly(names ...string) Interests {
	return Interests{Facts: names}
}

// Empty reports whether the declaration carries no interests at all; such
// a worker is never spawned by interest matching.
func (i Interests) Empty() bool {
	return len(i.Facts) == 0 && len(i.Hyps) == 0
}

// Declaration is a worker's announced identity and contract.
type Declaration struct {
	Name          string
	Description   string
	Creator       string
	Version       string
	EngineVersion string
	Help          string
	Interests     Interests
}

// Instance is the live object a clone runs. Exactly one of the three
// Handle methods is meaningful for a given Role; the scheduler calls the
// one matching the triggering entry's kind.
type Instance interface {
	HandleData(console Console, objectID int) error
	HandleFact(console Console, factID int) error
	HandleHyp(console Console, hypID int) error
}

// Console is the minimal surface worker.Instance needs from the console
// facade; kept here (rather than importing internal/console) to avoid an
// import cycle between worker and console.
type Console interface {
	Print(args ...any)
}

// Template binds a Declaration to a constructor and a Role.
type Template struct {
	Declaration
	Role Role
	New  func() Instance
}

// EngineVersionSatisfies reports whether declared <= running, comparing
// dotted numeric version strings component-wise via golang.org/x/mod/semver,
// which requires a "vMAJOR.MINOR.PATCH"-shaped string — engine_version
// strings are plain dotted numbers, so they are normalized first.
func EngineVersionSatisfies(declared, running string) bool {
	return semver.Compare(normalizeVersion(declared), normalizeVersion(running)) <= 0
}

// normalizeVersion pads a dotted-numeric string ("1", "1.2", "1.2.3") out
// to MAJOR.MINOR.PATCH and prefixes "v", the shape semver.Compare expects.
func normalizeVersion(v string) string {
	parts := strings.Split(v, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return "v" + strings.Join(parts[:3], ".")
}
