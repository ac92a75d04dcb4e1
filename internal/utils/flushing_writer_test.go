package utils_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swinglejohn/gitbranchsyncer/internal/utils"
)

const flushedPayloadConstant = "hook output line\n"

func TestFlushingWriterFlushesBufferedWriters(testInstance *testing.T) {
	outputBuffer := &bytes.Buffer{}
	bufferedWriter := bufio.NewWriterSize(outputBuffer, 4096)

	flushingWriter := utils.NewFlushingWriter(bufferedWriter)
	bytesWritten, writeError := flushingWriter.Write([]byte(flushedPayloadConstant))
	require.NoError(testInstance, writeError)
	require.Equal(testInstance, len(flushedPayloadConstant), bytesWritten)
	require.Equal(testInstance, flushedPayloadConstant, outputBuffer.String())
}

func TestFlushingWriterReturnsNilForNilWriter(testInstance *testing.T) {
	require.Nil(testInstance, utils.NewFlushingWriter(nil))
}

func TestFlushingWriterDoesNotRewrap(testInstance *testing.T) {
	wrappedWriter := utils.NewFlushingWriter(&bytes.Buffer{})
	require.Same(testInstance, wrappedWriter, utils.NewFlushingWriter(wrappedWriter))
}
