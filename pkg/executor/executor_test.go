package executor

import (
	"context"
	"testing"

	"github.com/cloakmesh/enclave/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoReturnsMessageArgument(t *testing.T) {
	staged := &types.StagedTask{
		TaskID:            "task-1",
		FunctionName:      "echo",
		FunctionArguments: types.FunctionArguments{"message": "Hello, Enclave!"},
	}
	out, tags, err := Echo(context.Background(), staged)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello, Enclave!"), out)
	assert.Empty(t, tags, "no declared outputs, no tags")
}

func TestEchoTagsEveryDeclaredOutput(t *testing.T) {
	staged := &types.StagedTask{
		TaskID:            "task-1",
		FunctionName:      "echo",
		FunctionArguments: types.FunctionArguments{"message": "x"},
		OutputData: map[string]types.StagedFileRef{
			"out_a": {URL: "u"},
			"out_b": {URL: "u"},
		},
	}
	_, tags, err := Echo(context.Background(), staged)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Len(t, tags["out_a"], 16, "GCM tag is 16 bytes")
	assert.Len(t, tags["out_b"], 16)
}

func TestEchoRequiresMessage(t *testing.T) {
	_, _, err := Echo(context.Background(), &types.StagedTask{FunctionName: "echo"})
	require.Error(t, err)
}

func TestExecuteMapsOutcomesToTaskResult(t *testing.T) {
	e := New("exec-1", nil, nil)

	result := e.execute(context.Background(), &types.StagedTask{
		FunctionName:      "echo",
		FunctionArguments: types.FunctionArguments{"message": "ok"},
	})
	assert.Equal(t, types.ResultOk, result.Status)
	assert.Equal(t, []byte("ok"), result.ReturnValue)

	result = e.execute(context.Background(), &types.StagedTask{FunctionName: "no-such-function"})
	assert.Equal(t, types.ResultErr, result.Status)
	assert.Contains(t, result.Reason, "unknown function")

	result = e.execute(context.Background(), &types.StagedTask{FunctionName: "echo"})
	assert.Equal(t, types.ResultErr, result.Status)
}
