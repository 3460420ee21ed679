package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripTags(t *testing.T) {
	cases := map[string]string{
		"":                                  "",
		"plain":                             "plain",
		"<b>Spots</b> open &amp; ready":     "Spots open & ready",
		`<a href="/x">link</a><br/> tail  `: "link tail",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripTags(in), "input %q", in)
	}
}
