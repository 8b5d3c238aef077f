package console

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPick(t *testing.T) {
	assert.Equal(t, "n", pick("", yesNoConstraints))
	assert.Equal(t, Yes, pick(" Y ", yesNoConstraints))
	assert.Equal(t, "n", pick("maybe", yesNoConstraints))
}

func TestPromptText(t *testing.T) {
	assert.Equal(t, "cancel? [N/y]:", promptText("cancel?", yesNoConstraints))
}
