package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeUserDataRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		fd   int32
		op   op
		mask uint16
	}{
		{"nop", 0, opNop, 0},
		{"read", 7, opRead, 0},
		{"poll_in_out", 42, opPollAdd, PollIn | PollOut},
		{"negative_fd_sentinel", -1, opTimeout, 0},
		{"max_fd", 1<<31 - 1, opClose, 0xffff},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ud := encodeUserData(tc.fd, tc.op, tc.mask)
			fd, o, mask := decodeUserData(ud)
			assert.Equal(t, tc.fd, fd)
			assert.Equal(t, tc.op, o)
			assert.Equal(t, tc.mask, mask)
		})
	}
}

func TestEncodeUserDataDistinctWords(t *testing.T) {
	a := encodeUserData(5, opRead, 0)
	b := encodeUserData(5, opWrite, 0)
	assert.NotEqual(t, a, b)
}
