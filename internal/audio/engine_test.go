package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayout_Mirror(t *testing.T) {
	memory := make([]byte, 32)
	for i := range memory {
		memory[i] = byte(i)
	}

	layout := Layout{
		Size: 16,
		Fragments: []Fragment{
			{Offset: 4, Length: 4, Target: 0},
			{Offset: 20, Length: 8, Target: 8},
		},
	}

	buf, copied := layout.Mirror(memory)
	assert.Equal(t, 2, copied)
	assert.Len(t, buf, 16)
	assert.Equal(t, []byte{4, 5, 6, 7}, buf[0:4])
	assert.Equal(t, []byte{0, 0, 0, 0}, buf[4:8])
	assert.Equal(t, []byte{20, 21, 22, 23, 24, 25, 26, 27}, buf[8:16])
}

func TestLayout_MirrorSkipsOutOfRange(t *testing.T) {
	memory := make([]byte, 8)
	layout := Layout{
		Size: 8,
		Fragments: []Fragment{
			{Offset: 6, Length: 4, Target: 0},
			{Offset: 0, Length: 4, Target: 6},
			{Offset: 0, Length: 4, Target: 4},
		},
	}

	buf, copied := layout.Mirror(memory)
	assert.Equal(t, 1, copied)
	assert.Len(t, buf, 8)
}

func TestLayout_Empty(t *testing.T) {
	assert.True(t, Layout{}.Empty())
	assert.True(t, Layout{Size: 16}.Empty())
	assert.False(t, Layout{Fragments: []Fragment{{Length: 4}}}.Empty())
}
