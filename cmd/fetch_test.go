package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gkatanacio/geolayers/vector"
)

func Test_fetchOptions(t *testing.T) {
	opts := fetchOptions(vector.FlatGeobuf)

	assert.NotNil(t, opts.Download.Progress)
	assert.Equal(t, 4, opts.Download.Connections)
	assert.Equal(t, 4, opts.Concurrency)
	assert.Equal(t, 10, opts.MaxPages)
	assert.Equal(t, vector.FlatGeobuf, opts.VectorFormat)
}
