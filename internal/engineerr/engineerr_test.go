package engineerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesWrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("sync: positions: %w: dial tcp: timeout", ErrTransient)
	assert.True(t, Is(wrapped, ErrTransient))
	assert.False(t, Is(wrapped, ErrStructural))
}

func TestIs_MatchesBareSentinel(t *testing.T) {
	assert.True(t, Is(ErrBenignRejection, ErrBenignRejection))
}

func TestIs_UnrelatedErrorDoesNotMatch(t *testing.T) {
	assert.False(t, Is(errors.New("boom"), ErrProgramming))
}

func TestSentinelsAreDistinct(t *testing.T) {
	all := []error{
		ErrBenignRejection, ErrTransient, ErrStructural,
		ErrExitExhausted, ErrAmbiguousPnL, ErrProgramming,
	}
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v must not match %v", a, b)
		}
	}
}
