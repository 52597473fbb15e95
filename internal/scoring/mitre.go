package scoring

// Rule factor names. These appear in score breakdowns, threat events, and
// the watchlist, so they are stable identifiers.
const (
	FactorHighRiskCountry   = "high_risk_country"
	FactorExtremeSpeed      = "extreme_speed"
	FactorSustainedThrottle = "sustained_throttle"
	FactorHostingASN        = "hosting_asn"
	FactorProxyOrTor        = "proxy_or_tor"
	FactorKnownMalicious    = "known_malicious"
	FactorAnomaly           = "traffic_anomaly"
)

// Rule weights. The total is clamped to 100.
const (
	WeightHighRiskCountry   = 30
	WeightExtremeSpeed      = 40
	WeightSustainedThrottle = 20
	WeightHostingASN        = 15
	WeightProxyOrTor        = 15
	WeightKnownMalicious    = 25
)

// ExtremeSpeedMBps is the flow speed past which traffic is treated as a
// direct flood regardless of the configured bandwidth cap.
const ExtremeSpeedMBps = 100.0

// techniqueByFactor maps a factor to its ATT&CK technique annotation.
// Factors without an entry carry no technique on their own.
var techniqueByFactor = map[string]string{
	FactorExtremeSpeed:      "T1498.001 Direct Network Flood",
	FactorSustainedThrottle: "T1498 Network Denial of Service",
	FactorProxyOrTor:        "T1090.003 Multi-hop Proxy",
	FactorKnownMalicious:    "T1584 Compromise Infrastructure",
}

// techniquePriority breaks weight ties deterministically: flood evidence
// outranks infrastructure evidence.
var techniquePriority = []string{
	FactorExtremeSpeed,
	FactorSustainedThrottle,
	FactorProxyOrTor,
	FactorKnownMalicious,
}

// Technique returns the annotation for the dominant mapped factor, picking
// the highest weight and breaking ties by priority order. Empty when no
// triggered factor maps to a technique.
func Technique(factors []factorHit) string {
	best := ""
	bestWeight := -1
	for _, name := range techniquePriority {
		for _, f := range factors {
			if f.name != name {
				continue
			}
			if f.weight > bestWeight {
				best = name
				bestWeight = f.weight
			}
		}
	}
	if best == "" {
		return ""
	}
	return techniqueByFactor[best]
}

type factorHit struct {
	name   string
	weight int
	detail string
}
