package detect

import (
	"time"
)

// Classification buckets a single message given the surrounding window.
type Classification string

const (
	ClassificationNormalHype      Classification = "normal_hype"
	ClassificationAmbiguous       Classification = "ambiguous"
	ClassificationRepetitiveSpam  Classification = "repetitive_spam"
	ClassificationCoordinatedRaid Classification = "coordinated_raid_spam"
)

// Decision thresholds. The scoring weights and cutoffs below are fixed; they
// classify, they do not tune per deployment.
const (
	spamWindow = 10 * time.Second

	selfSimilarityFlag   = 0.8  // feature flag threshold
	selfSimilaritySpam   = 0.85 // classification threshold
	groupMatchSimilarity = 0.7  // one other-sender message "matches" above this
	groupSimilarityFlag  = 0.3
	groupSimilarityHigh  = 0.5
	burstDivisor         = 6
	burstFlagCount       = 4
	burstSpamScore       = 0.8
	raidPatternHigh      = 0.6
	raidPatternLow       = 0.4
)

// SpamResult is the outcome of classifying one message.
type SpamResult struct {
	Classification  Classification
	SelfSimilarity  float64
	GroupSimilarity float64
	BurstScore      float64
	RaidPattern     float64
	NewUserRatio    float64
	Diversity       float64
	Flags           []string
}

// DetectSpam classifies content from senderID against the broadcaster's
// window. The window holds messages observed so far; the message under
// classification must not have been Observed yet, so self-similarity compares
// only against the sender's earlier traffic.
func DetectSpam(content, senderID string, w *Window, now time.Time, isNewUser bool) SpamResult {
	recent := w.Snapshot(now, spamWindow)
	curTokens := Tokens(NormalizeForComparison(content))

	res := SpamResult{Classification: ClassificationNormalHype}

	var (
		sameSender   int
		otherSenders int
		groupMatches int
		newUsers     int
	)
	for _, m := range recent {
		if m.NewUser {
			newUsers++
		}
		sim := JaccardSimilarity(curTokens, m.Tokens)
		if m.SenderID == senderID {
			sameSender++
			if sim > res.SelfSimilarity {
				res.SelfSimilarity = sim
			}
			continue
		}
		otherSenders++
		if sim > groupMatchSimilarity {
			groupMatches++
		}
	}

	if otherSenders > 0 {
		res.GroupSimilarity = float64(groupMatches) / float64(otherSenders)
	}
	res.BurstScore = float64(sameSender) / burstDivisor
	if res.BurstScore > 1 {
		res.BurstScore = 1
	}
	res.Diversity = GroupDiversity(recent)
	if len(recent) > 0 {
		res.NewUserRatio = float64(newUsers) / float64(len(recent))
	}
	res.RaidPattern = 0.5*(1-res.Diversity) + 0.5*res.NewUserRatio

	if res.SelfSimilarity > selfSimilarityFlag {
		res.Flags = append(res.Flags, "high_self_similarity")
	}
	if res.GroupSimilarity > groupSimilarityFlag {
		res.Flags = append(res.Flags, "group_template_match")
	}
	if sameSender >= burstFlagCount {
		res.Flags = append(res.Flags, "message_burst")
	}
	if isNewUser {
		res.Flags = append(res.Flags, "new_user")
	}

	// First match wins.
	switch {
	case res.RaidPattern > raidPatternHigh && res.GroupSimilarity > groupSimilarityFlag:
		res.Classification = ClassificationCoordinatedRaid
	case res.SelfSimilarity > selfSimilaritySpam || res.BurstScore > burstSpamScore:
		res.Classification = ClassificationRepetitiveSpam
	case res.RaidPattern > raidPatternLow || res.GroupSimilarity > groupSimilarityHigh:
		res.Classification = ClassificationAmbiguous
	default:
		res.Classification = ClassificationNormalHype
	}

	return res
}
