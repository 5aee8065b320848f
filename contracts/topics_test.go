package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopics(t *testing.T) {
	t.Run("known topics are valid and well formed", func(t *testing.T) {
		for _, topic := range Topics() {
			assert.True(t, topic.Valid(), topic)
			assert.True(t, topic.WellFormed(), topic)
		}
	})

	t.Run("Topics returns a copy", func(t *testing.T) {
		topics := Topics()
		topics[0] = "mutated"
		assert.Equal(t, TopicProbandCreated, Topics()[0])
	})

	t.Run("unknown topic is not valid", func(t *testing.T) {
		assert.False(t, Topic("proband.exploded").Valid())
		assert.True(t, Topic("proband.exploded").WellFormed())
	})

	t.Run("reserved and dead-letter names are not well formed", func(t *testing.T) {
		assert.False(t, Topic("").WellFormed())
		assert.False(t, Topic("amq.direct").WellFormed())
		assert.False(t, Topic("proband.created.dead-letter").WellFormed())
		assert.False(t, Topic("dead-letter").WellFormed())
		assert.True(t, Topic("proband.dead-lettered").WellFormed())
	})
}
