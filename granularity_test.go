package vramkit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var roundUpTestCases = map[string]struct {
	bufferImageGranularity uint
	allocType              uint32
	inputAlignment         uint
	inputSize              int
	outputAlignment        uint
	outputSize             int
}{
	"Optimal Image Align": {
		bufferImageGranularity: 128,
		allocType:              uint32(SuballocationImageOptimal),
		inputAlignment:         8,
		inputSize:              130,
		outputAlignment:        128,
		outputSize:             256,
	},
	"Unknown Align": {
		bufferImageGranularity: 256,
		allocType:              uint32(SuballocationUnknown),
		inputAlignment:         8,
		inputSize:              16,
		outputAlignment:        256,
		outputSize:             256,
	},
	"Zero Buffer Image Granularity Dont Align": {
		bufferImageGranularity: 0,
		allocType:              uint32(SuballocationImageOptimal),
		inputAlignment:         8,
		inputSize:              130,
		outputAlignment:        8,
		outputSize:             130,
	},
	"High Buffer Image Granularity Dont Align": {
		bufferImageGranularity: 1024,
		allocType:              uint32(SuballocationImageOptimal),
		inputAlignment:         8,
		inputSize:              130,
		outputAlignment:        8,
		outputSize:             130,
	},
	"Buffer Dont Align": {
		bufferImageGranularity: 128,
		allocType:              uint32(SuballocationBuffer),
		inputAlignment:         8,
		inputSize:              130,
		outputAlignment:        8,
		outputSize:             130,
	},
}

func TestGranularityRoundUp(t *testing.T) {
	for testName, testCase := range roundUpTestCases {
		t.Run(testName, func(t *testing.T) {
			var granularity blockBufferImageGranularity
			granularity.bufferImageGranularity = testCase.bufferImageGranularity
			size, alignment := granularity.RoundUpAllocRequest(testCase.allocType, testCase.inputSize, testCase.inputAlignment)
			require.Equal(t, testCase.outputSize, size)
			require.Equal(t, testCase.outputAlignment, alignment)
		})
	}
}
