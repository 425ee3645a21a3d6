package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidQoS(t *testing.T) {
	cases := map[uint]uint{
		0:   0,
		1:   1,
		2:   2,
		3:   default_qos,
		256: default_qos,
	}
	for in, want := range cases {
		assert.Equal(t, want, valid_qos("subscribe_qos", in), "qos %d", in)
	}
}
