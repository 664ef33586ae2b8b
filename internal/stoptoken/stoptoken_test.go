package stoptoken

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenZeroValueUnsignaled(t *testing.T) {
	tok := New()
	assert.Equal(t, None, tok.Mode())
	assert.NoError(t, Check(tok))
}

func TestSignalIsIdempotent(t *testing.T) {
	tok := New()
	tok.Signal(Pause)
	tok.Signal(Cancel)
	assert.Equal(t, Pause, tok.Mode(), "the first signal should win")
}

func TestCheckReturnsStopped(t *testing.T) {
	tok := New()
	tok.Signal(Cancel)

	err := Check(tok)
	if assert.Error(t, err) {
		stopped, ok := As(err)
		if assert.True(t, ok) {
			assert.Equal(t, Cancel, stopped.Mode)
		}
	}
}

func TestCheckNilTokenNeverStops(t *testing.T) {
	assert.NoError(t, Check(nil))
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "pause", Pause.String())
	assert.Equal(t, "cancel", Cancel.String())
}
