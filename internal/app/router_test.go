package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
	assert.Equal(t, []string{"https://a.test"}, ParseOrigins("https://a.test"))
	assert.Equal(t,
		[]string{"https://a.test", "https://b.test"},
		ParseOrigins(" https://a.test , https://b.test "))
}
