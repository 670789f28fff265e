// Package models defines the canonical domain records shared across the
// orchestrator: aid requests, attestations, consensus transcripts, and
// delivery proofs.
package models

import (
	"fmt"
	"math"
	"time"
)

// CoordScale is the fixed-point scale for latitude/longitude values as they
// cross the ledger boundary: degrees × 10^7 as a signed integer.
const CoordScale = 1e7

// DegreesToFixed converts decimal degrees to the on-ledger fixed-point form.
func DegreesToFixed(deg float64) int64 {
	return int64(math.Round(deg * CoordScale))
}

// FixedToDegrees converts an on-ledger fixed-point coordinate to degrees.
func FixedToDegrees(fixed int64) float64 {
	return float64(fixed) / CoordScale
}

// AidClass identifies the category of aid being requested.
type AidClass uint8

const (
	AidMedical AidClass = iota
	AidFood
	AidShelter
	AidRescue
	AidComms
	AidEvacuation
)

var aidClassNames = [...]string{"medical", "food", "shelter", "rescue", "comms", "evacuation"}

func (a AidClass) String() string {
	if int(a) < len(aidClassNames) {
		return aidClassNames[a]
	}
	return fmt.Sprintf("unknown(%d)", uint8(a))
}

// ParseAidClass parses a wire-format aid class name.
func ParseAidClass(s string) (AidClass, error) {
	for i, name := range aidClassNames {
		if s == name {
			return AidClass(i), nil
		}
	}
	return 0, fmt.Errorf("invalid aid class %q", s)
}

// Valid reports whether the class is one of the six defined categories.
func (a AidClass) Valid() bool {
	return int(a) < len(aidClassNames)
}

// Urgency is the requester-declared urgency level.
type Urgency uint8

const (
	UrgencyMedium Urgency = iota
	UrgencyHigh
	UrgencyCritical
)

var urgencyNames = [...]string{"medium", "high", "critical"}

func (u Urgency) String() string {
	if int(u) < len(urgencyNames) {
		return urgencyNames[u]
	}
	return fmt.Sprintf("unknown(%d)", uint8(u))
}

// ParseUrgency parses a wire-format urgency name.
func ParseUrgency(s string) (Urgency, error) {
	for i, name := range urgencyNames {
		if s == name {
			return Urgency(i), nil
		}
	}
	return 0, fmt.Errorf("invalid urgency %q", s)
}

// Valid reports whether the urgency is one of the defined levels.
func (u Urgency) Valid() bool {
	return int(u) < len(urgencyNames)
}

// FulfillerClass selects the delivery mechanism for an approved request.
type FulfillerClass uint8

const (
	FulfillerAerial FulfillerClass = iota
	FulfillerHuman
)

func (f FulfillerClass) String() string {
	switch f {
	case FulfillerAerial:
		return "aerial"
	case FulfillerHuman:
		return "human"
	}
	return fmt.Sprintf("unknown(%d)", uint8(f))
}

// RequestStatus mirrors the on-ledger request lifecycle. The ledger enforces
// the transition constraint; the orchestrator never moves a status backwards.
type RequestStatus uint8

const (
	StatusSubmitted RequestStatus = iota
	StatusVerified
	StatusApproved
	StatusRejected
	StatusFunded
	StatusDeliverySubmitted
	StatusDeliveryVerified
	StatusDeliveryFailed
	StatusSettled
	StatusTimedOut
)

var statusNames = [...]string{
	"submitted", "verified", "approved", "rejected", "funded",
	"delivery_submitted", "delivery_verified", "delivery_failed",
	"settled", "timed_out",
}

func (s RequestStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == StatusRejected || s == StatusSettled || s == StatusTimedOut
}

// AidRequest is the canonical request record, mirrored on-ledger. The ledger
// assigns the ID monotonically on submission.
type AidRequest struct {
	ID            uint64        `json:"id"`
	Requester     string        `json:"requester"`
	AidClass      AidClass      `json:"aid_class"`
	Urgency       Urgency       `json:"urgency"`
	Lat           int64         `json:"lat"`
	Lng           int64         `json:"lng"`
	DetailsDigest [32]byte      `json:"-"`
	Status        RequestStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}
