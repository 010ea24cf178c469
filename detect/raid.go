package detect

import (
	"fmt"
	"time"
)

// RaidState summarizes whether current traffic looks like a raid.
type RaidState string

const (
	RaidNone      RaidState = "none"
	RaidSuspected RaidState = "suspected_raid"
	RaidConfirmed RaidState = "confirmed_raid"
)

const (
	raidWindow      = 5 * time.Second
	raidMinMessages = 10

	raidConfirmedScore = 0.7
	raidSuspectedScore = 0.4

	// Evidence thresholds; observability only, not part of the score.
	evidenceNewUserRatio = 0.5
	evidenceDiversity    = 0.3
	evidenceSenderRatio  = 0.8
	evidenceVolume       = 50
)

// RaidAssessment is a point-in-time judgment over the raid window.
type RaidAssessment struct {
	State        RaidState
	Confidence   float64
	MessageCount int
	NewUserRatio float64
	Diversity    float64
	SenderRatio  float64
	Evidence     []string
}

// AssessRaidState scores the last few seconds of traffic. Fewer than
// raidMinMessages in the window means there is not enough volume to judge,
// so the state is none with zero confidence.
func AssessRaidState(w *Window, now time.Time) RaidAssessment {
	recent := w.Snapshot(now, raidWindow)
	res := RaidAssessment{State: RaidNone, MessageCount: len(recent)}
	if len(recent) < raidMinMessages {
		return res
	}

	senders := make(map[string]struct{}, len(recent))
	newUsers := 0
	for _, m := range recent {
		senders[m.SenderID] = struct{}{}
		if m.NewUser {
			newUsers++
		}
	}
	res.NewUserRatio = float64(newUsers) / float64(len(recent))
	res.SenderRatio = float64(len(senders)) / float64(len(recent))
	res.Diversity = GroupDiversity(recent)

	res.Confidence = 0.4*res.NewUserRatio + 0.3*(1-res.Diversity) + 0.3*res.SenderRatio

	switch {
	case res.Confidence > raidConfirmedScore:
		res.State = RaidConfirmed
	case res.Confidence > raidSuspectedScore:
		res.State = RaidSuspected
	}

	if res.NewUserRatio > evidenceNewUserRatio {
		res.Evidence = append(res.Evidence, fmt.Sprintf("new-user ratio %.2f exceeds %.2f", res.NewUserRatio, evidenceNewUserRatio))
	}
	if res.Diversity < evidenceDiversity {
		res.Evidence = append(res.Evidence, fmt.Sprintf("content diversity %.2f below %.2f", res.Diversity, evidenceDiversity))
	}
	if res.SenderRatio > evidenceSenderRatio {
		res.Evidence = append(res.Evidence, fmt.Sprintf("sender uniqueness %.2f exceeds %.2f", res.SenderRatio, evidenceSenderRatio))
	}
	if len(recent) > evidenceVolume {
		res.Evidence = append(res.Evidence, fmt.Sprintf("volume %d messages in %s", len(recent), raidWindow))
	}

	return res
}
