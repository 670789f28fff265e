package models

import "time"

// Severity grades a disaster event as reported by data providers.
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityModerate
	SeveritySevere
	SeverityCritical
)

var severityNames = [...]string{"low", "moderate", "severe", "critical"}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return "unknown"
}

// Weight maps severity onto the attestation scoring scale.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeveritySevere:
		return 0.75
	case SeverityModerate:
		return 0.5
	default:
		return 0.25
	}
}

// GnssProofBundle is the authenticated position record produced by the GNSS
// authenticator. Its canonical digest anchors the proof on-ledger.
type GnssProofBundle struct {
	Lat            int64     `json:"lat"`
	Lng            int64     `json:"lng"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	SatelliteCount int       `json:"satellite_count"`
	AuthKeyID      string    `json:"auth_key_id"`
	SpoofingClean  bool      `json:"spoofing_clean"`
	Timestamp      time.Time `json:"timestamp"`
	DeviceID       string    `json:"device_id"`
}

// Digest returns the canonical 32-byte digest of the bundle.
func (g *GnssProofBundle) Digest() [32]byte {
	return CanonicalDigest(map[string]any{
		"lat":             g.Lat,
		"lng":             g.Lng,
		"accuracy_mm":     int64(g.AccuracyMeters * 1000),
		"satellite_count": int64(g.SatelliteCount),
		"auth_key_id":     g.AuthKeyID,
		"spoofing_clean":  g.SpoofingClean,
		"timestamp":       g.Timestamp.Unix(),
		"device_id":       g.DeviceID,
	})
}

// EventAttestation records a cross-referenced disaster event that corroborates
// an aid request.
type EventAttestation struct {
	EventID     string    `json:"event_id"`
	EventClass  string    `json:"event_class"`
	Severity    Severity  `json:"severity"`
	Region      string    `json:"region"`
	CenterLat   int64     `json:"center_lat"`
	CenterLng   int64     `json:"center_lng"`
	RadiusKm    float64   `json:"radius_km"`
	Sources     []string  `json:"sources"`
	DistanceKm  float64   `json:"distance_km"`
	Active      bool      `json:"active"`
	AttestedAt  time.Time `json:"attested_at"`
}

// Digest returns the canonical 32-byte digest of the attestation.
func (e *EventAttestation) Digest() [32]byte {
	return CanonicalDigest(map[string]any{
		"event_id":    e.EventID,
		"event_class": e.EventClass,
		"severity":    int64(e.Severity),
		"region":      e.Region,
		"center_lat":  e.CenterLat,
		"center_lng":  e.CenterLng,
		"radius_m":    int64(e.RadiusKm * 1000),
		"sources":     e.Sources,
		"distance_m":  int64(e.DistanceKm * 1000),
		"active":      e.Active,
		"attested_at": e.AttestedAt.Unix(),
	})
}

// NodeVerdict is one panel member's parsed response.
type NodeVerdict struct {
	NodeID         string         `json:"node_id"`
	Model          string         `json:"model"`
	Valid          bool           `json:"valid"`
	Approved       bool           `json:"approved"`
	Reason         string         `json:"reason"`
	RecommendedAid AidClass       `json:"recommended_aid"`
	FulfillerClass FulfillerClass `json:"fulfiller_class"`
	EstimatedCost  uint64         `json:"estimated_cost"`
	Confidence     int            `json:"confidence"`
	PriorityScore  int            `json:"priority_score"`
	LatencyMs      int64          `json:"latency_ms"`
}

// ConsensusTranscript is the aggregated record of an LLM panel run.
type ConsensusTranscript struct {
	NodeCount      int            `json:"node_count"`
	ValidCount     int            `json:"valid_count"`
	ApprovalCount  int            `json:"approval_count"`
	Approved       bool           `json:"approved"`
	Reason         string         `json:"reason"`
	AidClass       AidClass       `json:"aid_class"`
	FulfillerClass FulfillerClass `json:"fulfiller_class"`
	EstimatedCost  uint64         `json:"estimated_cost"`
	AvgConfidence  float64        `json:"avg_confidence"`
	Verdicts       []NodeVerdict  `json:"verdicts"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// Digest returns the canonical 32-byte digest of the transcript.
func (c *ConsensusTranscript) Digest() [32]byte {
	verdicts := make([]map[string]any, 0, len(c.Verdicts))
	for _, v := range c.Verdicts {
		verdicts = append(verdicts, map[string]any{
			"node_id":         v.NodeID,
			"model":           v.Model,
			"valid":           v.Valid,
			"approved":        v.Approved,
			"recommended_aid": int64(v.RecommendedAid),
			"fulfiller_class": int64(v.FulfillerClass),
			"estimated_cost":  int64(v.EstimatedCost),
			"confidence":      int64(v.Confidence),
		})
	}
	return CanonicalDigest(map[string]any{
		"node_count":      int64(c.NodeCount),
		"valid_count":     int64(c.ValidCount),
		"approval_count":  int64(c.ApprovalCount),
		"approved":        c.Approved,
		"aid_class":       int64(c.AidClass),
		"fulfiller_class": int64(c.FulfillerClass),
		"estimated_cost":  int64(c.EstimatedCost),
		"avg_confidence":  int64(c.AvgConfidence * 100),
		"verdicts":        verdicts,
		"completed_at":    c.CompletedAt.Unix(),
	})
}

// DeliveryClass distinguishes the two delivery proof variants.
type DeliveryClass uint8

const (
	DeliveryAerial DeliveryClass = iota
	DeliveryHuman
)

// DeliveryProof is evidence of a completed delivery, submitted by the
// fulfiller through the webhook or the confirm endpoint.
type DeliveryProof struct {
	Class       DeliveryClass `json:"class"`
	DropLat     int64         `json:"drop_lat,omitempty"`
	DropLng     int64         `json:"drop_lng,omitempty"`
	ImageDigest [32]byte      `json:"-"`
	DroneID     string        `json:"drone_id,omitempty"`
	OfficerID   string        `json:"officer_id,omitempty"`
	Signature   []byte        `json:"-"`
	Timestamp   time.Time     `json:"timestamp"`
}

// DeliveryVerification is the result of checking a delivery proof against the
// request target.
type DeliveryVerification struct {
	RequestID      uint64        `json:"request_id"`
	Class          DeliveryClass `json:"class"`
	Verified       bool          `json:"verified"`
	DistanceMeters float64       `json:"distance_meters"`
	Reason         string        `json:"reason,omitempty"`
	VerifiedAt     time.Time     `json:"verified_at"`
}

// Digest returns the canonical 32-byte digest of the verification record.
func (d *DeliveryVerification) Digest() [32]byte {
	return CanonicalDigest(map[string]any{
		"request_id":  int64(d.RequestID),
		"class":       int64(d.Class),
		"verified":    d.Verified,
		"distance_mm": int64(d.DistanceMeters * 1000),
		"reason":      d.Reason,
		"verified_at": d.VerifiedAt.Unix(),
	})
}
