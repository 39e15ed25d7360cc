package term

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferAppends(t *testing.T) {
	b := NewBuffer(64)
	b.Write([]byte("hello "))
	b.Write([]byte("world"))
	assert.Equal(t, "hello world", b.Contents())
}

func TestBufferTrimsToCap(t *testing.T) {
	b := NewBuffer(8)
	b.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", b.Contents())

	b.Write([]byte("ab"))
	assert.Equal(t, "456789ab", b.Contents())
}

func TestBufferEpilogue(t *testing.T) {
	b := NewBuffer(1024)
	b.Write([]byte("output"))
	b.WriteEpilogue(130)
	assert.True(t, strings.HasSuffix(b.Contents(), "[process exited with code 130]\r\n"))
}

func TestBufferCloseDropsWrites(t *testing.T) {
	b := NewBuffer(1024)
	b.Write([]byte("before"))
	b.Close()
	b.Write([]byte("after"))
	assert.Empty(t, b.Contents())
}
