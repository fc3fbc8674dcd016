package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/ingestcore/internal/errors"
)

func TestInProcessRunSucceeds(t *testing.T) {
	kernel := func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}
	e := NewInProcess(kernel, nil, nil)

	result := e.Run(context.Background(), Task{TaskType: "convert", Params: json.RawMessage(`{}`)})
	require.True(t, result.Success)
	assert.JSONEq(t, `{"ok":true}`, string(result.ResultPayload))
}

func TestInProcessRunMapsKernelError(t *testing.T) {
	kernel := func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, errors.NewCodedError(errors.CodePoisonPayload, fmt.Errorf("bad header"))
	}
	e := NewInProcess(kernel, nil, nil)

	result := e.Run(context.Background(), Task{TaskType: "convert"})
	assert.False(t, result.Success)
	assert.Equal(t, string(errors.CodePoisonPayload), result.ErrorCode)
}

func TestInProcessRunRespectsTimeout(t *testing.T) {
	kernel := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, errors.NewCodedError(errors.CodeTransientIO, ctx.Err())
	}
	e := NewInProcess(kernel, nil, nil)

	result := e.Run(context.Background(), Task{TaskType: "convert", Timeout: 20 * time.Millisecond})
	assert.False(t, result.Success)
	assert.Equal(t, string(errors.CodeTimeout), result.ErrorCode)
}
