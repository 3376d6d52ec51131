package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineVersionSatisfies(t *testing.T) {
	assert.True(t, EngineVersionSatisfies("1.2", "1.2"))
	assert.True(t, EngineVersionSatisfies("1.2", "1.3"))
	assert.True(t, EngineVersionSatisfies("1", "1.9.9"))
	assert.False(t, EngineVersionSatisfies("2.0", "1.9"))
}

func TestInterestsEmpty(t *testing.T) {
	assert.True(t, Interests{}.Empty())
	assert.False(t, FactsOnly("md5").Empty())
	assert.False(t, Interests{Hyps: []string{"mimetype"}}.Empty())
}
