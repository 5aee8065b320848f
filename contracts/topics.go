package contracts

import "strings"

// Topic identifies a category of domain event. Each topic maps 1:1 to a
// durable fanout exchange of the same name.
type Topic string

// Known topics
const (
	TopicProbandCreated                 Topic = "proband.created"
	TopicProbandDeleted                 Topic = "proband.deleted"
	TopicProbandDeactivated             Topic = "proband.deactivated"
	TopicParticipantCreated             Topic = "participant.created"
	TopicParticipantDeleted             Topic = "participant.deleted"
	TopicStudyCreated                   Topic = "study.created"
	TopicStudyChanged                   Topic = "study.changed"
	TopicStudyDeleted                   Topic = "study.deleted"
	TopicQuestionnaireInstanceCreated   Topic = "questionnaire_instance.created"
	TopicQuestionnaireInstanceReleased  Topic = "questionnaire_instance.released"
	TopicQuestionnaireInstanceAnswered  Topic = "questionnaire_instance.answered"
	TopicQuestionnaireInstanceCancelled Topic = "questionnaire_instance.cancelled"
	TopicAccountsCreated                Topic = "accounts.created"
)

var knownTopics = []Topic{
	TopicProbandCreated,
	TopicProbandDeleted,
	TopicProbandDeactivated,
	TopicParticipantCreated,
	TopicParticipantDeleted,
	TopicStudyCreated,
	TopicStudyChanged,
	TopicStudyDeleted,
	TopicQuestionnaireInstanceCreated,
	TopicQuestionnaireInstanceReleased,
	TopicQuestionnaireInstanceAnswered,
	TopicQuestionnaireInstanceCancelled,
	TopicAccountsCreated,
}

// Topics returns a copy of the known topic set.
func Topics() []Topic {
	out := make([]Topic, len(knownTopics))
	copy(out, knownTopics)
	return out
}

// Valid reports whether t belongs to the known topic set.
func (t Topic) Valid() bool {
	for _, known := range knownTopics {
		if t == known {
			return true
		}
	}
	return false
}

// WellFormed reports whether t could be used as an exchange name at all.
// Used when unknown topics are explicitly allowed.
func (t Topic) WellFormed() bool {
	s := string(t)
	if s == "" || len(s) > 255 {
		return false
	}
	// "x.dead-letter" and "dead-letter" would let a queue name equal some
	// service's dead-letter queue name
	return !strings.HasPrefix(s, "amq.") && !strings.HasSuffix("."+s, ".dead-letter")
}

func (t Topic) String() string {
	return string(t)
}
