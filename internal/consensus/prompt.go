// Package consensus fans an attested aid request out to a panel of
// heterogeneous LLM endpoints and aggregates their verdicts under a strict
// two-thirds supermajority with a minimum quorum.
package consensus

import (
	"fmt"
	"strings"

	"github.com/aidchain/orchestrator/internal/models"
)

// Default panel personas. Each configured node may override its persona;
// these defaults give a five-member panel deliberately adversarial framing
// so agreement means something.
var DefaultPersonas = map[string]string{
	"skeptic":   "You are a fraud analyst. Your goal is to find signs of fraud, exaggeration, or laziness in the aid request.",
	"empath":    "You are a humanitarian caseworker. Focus on the human suffering and urgency evidenced by the request.",
	"logistics": "You are a field logistics expert. Determine whether this aid is actually deliverable in a disaster zone, and what it would cost.",
	"official":  "You are a local relief official. Check whether this request overlaps with aid that existing services would already provide.",
	"arbiter":   "You are a neutral arbiter. Weigh the evidence strictly and decide whether the request merits funding.",
}

// verdictSchema is appended to every prompt. The panel must answer with this
// exact JSON object and nothing else.
const verdictSchema = `Respond with ONLY a JSON object, no prose, in exactly this form:
{
  "approved": true or false,
  "reason": "<one sentence>",
  "recommended_aid": <0=medical 1=food 2=shelter 3=rescue 4=comms 5=evacuation>,
  "fulfiller_type": <0=aerial drone drop, 1=human delivery>,
  "estimated_cost": <estimated cost in USDC minor units, integer, 6 decimals>,
  "confidence": <0-100>,
  "priority_score": <1-10>
}`

// BuildPrompt renders the single structured prompt sent identically to every
// panel node. Only attested data goes in: the panel judges verified facts,
// not requester claims.
func BuildPrompt(req *models.AidRequest, proof *models.GnssProofBundle, att *models.EventAttestation) string {
	var b strings.Builder

	b.WriteString("Evaluate the following humanitarian aid request for funding approval.\n\n")

	fmt.Fprintf(&b, "AID REQUEST #%d\n", req.ID)
	fmt.Fprintf(&b, "- Requested aid class: %s\n", req.AidClass)
	fmt.Fprintf(&b, "- Declared urgency: %s\n", req.Urgency)

	b.WriteString("\nAUTHENTICATED LOCATION (GNSS, anti-spoofing passed)\n")
	fmt.Fprintf(&b, "- Position: %.5f, %.5f (accuracy %.0f m, %d satellites)\n",
		models.FixedToDegrees(proof.Lat), models.FixedToDegrees(proof.Lng),
		proof.AccuracyMeters, proof.SatelliteCount)
	fmt.Fprintf(&b, "- Authenticated at: %s\n", proof.Timestamp.Format("2006-01-02 15:04:05 UTC"))

	b.WriteString("\nATTESTED DISASTER EVENT\n")
	fmt.Fprintf(&b, "- Event: %s (%s)\n", att.EventID, att.EventClass)
	fmt.Fprintf(&b, "- Severity: %s\n", att.Severity)
	fmt.Fprintf(&b, "- Region: %s\n", att.Region)
	fmt.Fprintf(&b, "- Requester is %.1f km from the event centre (event radius %.0f km)\n",
		att.DistanceKm, att.RadiusKm)
	fmt.Fprintf(&b, "- Corroborated by %d independent sources: %s\n",
		len(att.Sources), strings.Join(att.Sources, ", "))

	b.WriteString("\n")
	b.WriteString(verdictSchema)

	return b.String()
}

// StripCodeFences removes markdown code-fence markers that some models wrap
// around their JSON despite instructions.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
