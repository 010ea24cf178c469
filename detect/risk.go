package detect

// RiskMode is the coarse bucket the moderation layer consumes. Mode
// transitions are the loggable events; the raw score is continuous noise.
type RiskMode string

const (
	RiskLow    RiskMode = "low"
	RiskMedium RiskMode = "medium"
	RiskHigh   RiskMode = "high"
)

const (
	riskHighScore   = 0.7
	riskMediumScore = 0.3
)

// classificationSeverity weights each spam classification for risk scoring.
var classificationSeverity = map[Classification]float64{
	ClassificationCoordinatedRaid: 0.8,
	ClassificationRepetitiveSpam:  0.5,
	ClassificationAmbiguous:       0.3,
	ClassificationNormalHype:      0,
}

// RiskScore is the combined judgment over one message's spam result and the
// current raid assessment.
type RiskScore struct {
	Score float64
	Mode  RiskMode
}

// ComputeRiskScore folds a spam result and raid assessment into one scalar:
// classification severity x0.3, raid confidence x0.3, group similarity x0.2,
// raid-pattern score x0.2.
func ComputeRiskScore(spam SpamResult, raid RaidAssessment) RiskScore {
	score := classificationSeverity[spam.Classification]*0.3 +
		raid.Confidence*0.3 +
		spam.GroupSimilarity*0.2 +
		spam.RaidPattern*0.2

	mode := RiskLow
	switch {
	case score > riskHighScore:
		mode = RiskHigh
	case score > riskMediumScore:
		mode = RiskMedium
	}
	return RiskScore{Score: score, Mode: mode}
}
