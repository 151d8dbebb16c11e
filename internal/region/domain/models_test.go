package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, "eu-central-1", NormalizeID("eu-central-1"))
	assert.Equal(t, "eu-central-1", NormalizeID("  EU Central 1  "))
	assert.Equal(t, "us-west-2", NormalizeID("us.west.2"))
	assert.Equal(t, "", NormalizeID(""))
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("eu-north-1"))
	assert.True(t, ValidID(NormalizeID("EU North 1")))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("1-starts-with-digit"))
	assert.False(t, ValidID("Mixed-Case"))
}
