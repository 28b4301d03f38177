package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeEmail("  Alice@Example.COM "))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestNormalizeIdentity(t *testing.T) {
	assert.Equal(t, "198.51.100.1", NormalizeIdentity(" 198.51.100.1 "))
	assert.Equal(t, "", NormalizeIdentity("\t"))
}
