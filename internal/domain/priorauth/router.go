package priorauth

// DecideRoute is the payer routing decision table, evaluated in priority
// order: risk escalation always wins over protocol preference. It is total
// over all assessments and preferences; no other input affects the decision.
func DecideRoute(risk RiskAssessment, preference Protocol) Route {
	if risk.Score >= thresholdHigh {
		return RouteReview
	}
	if preference == ProtocolFHIR {
		return RouteFHIR
	}
	return RouteEDI
}
