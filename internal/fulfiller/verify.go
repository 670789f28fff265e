// Package fulfiller selects and dispatches delivery fulfillers and verifies
// their delivery proofs.
package fulfiller

import (
	"fmt"
	"time"

	"github.com/aidchain/orchestrator/internal/geo"
	"github.com/aidchain/orchestrator/internal/models"
)

// DefaultDropToleranceMeters is how far an aerial drop may land from the
// request coordinate and still verify. Matches the on-ledger rule.
const DefaultDropToleranceMeters = 30.0

// OfficerRegistry checks whether a human-fulfilment officer is recognised.
// The default implementation accepts any non-empty identifier; deployments
// with an officer registry substitute their own check.
type OfficerRegistry interface {
	IsRegistered(officerID string) bool
}

// anyOfficer is the permissive default registry.
type anyOfficer struct{}

func (anyOfficer) IsRegistered(officerID string) bool { return officerID != "" }

// Verifier validates delivery proofs against request targets. Verification
// is a pure function over the proof and target; it holds no state beyond
// its configuration.
type Verifier struct {
	dropToleranceM float64
	officers       OfficerRegistry
}

// NewVerifier creates a delivery verifier. A nil registry accepts any
// non-empty officer id.
func NewVerifier(dropToleranceM float64, officers OfficerRegistry) *Verifier {
	if dropToleranceM <= 0 {
		dropToleranceM = DefaultDropToleranceMeters
	}
	if officers == nil {
		officers = anyOfficer{}
	}
	return &Verifier{dropToleranceM: dropToleranceM, officers: officers}
}

// VerifyDelivery checks a delivery proof against the request target and
// returns the verification record. It never errors: a bad proof is a
// well-formed negative verification.
func (v *Verifier) VerifyDelivery(requestID uint64, proof *models.DeliveryProof, targetLat, targetLng int64) *models.DeliveryVerification {
	result := &models.DeliveryVerification{
		RequestID:  requestID,
		Class:      proof.Class,
		VerifiedAt: time.Now().UTC(),
	}

	switch proof.Class {
	case models.DeliveryAerial:
		result.DistanceMeters = geo.FixedDistanceMeters(targetLat, targetLng, proof.DropLat, proof.DropLng)
		gpsOK := result.DistanceMeters < v.dropToleranceM
		imageOK := !models.IsZeroDigest(proof.ImageDigest)
		result.Verified = gpsOK && imageOK
		if !gpsOK {
			result.Reason = fmt.Sprintf("drop point %.1f m from target exceeds %.0f m tolerance",
				result.DistanceMeters, v.dropToleranceM)
		} else if !imageOK {
			result.Reason = "payload image digest missing"
		}

	case models.DeliveryHuman:
		signatureOK := len(proof.Signature) > 0
		officerOK := v.officers.IsRegistered(proof.OfficerID)
		result.Verified = signatureOK && officerOK
		if !signatureOK {
			result.Reason = "officer signature missing"
		} else if !officerOK {
			result.Reason = fmt.Sprintf("officer %q not recognised", proof.OfficerID)
		}

	default:
		result.Reason = fmt.Sprintf("unknown delivery class %d", proof.Class)
	}

	return result
}
