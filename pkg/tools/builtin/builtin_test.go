package builtin

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tether/pkg/prompt"
	"github.com/harun/tether/pkg/tools"
)

func TestRegister(t *testing.T) {
	reg := tools.NewRegistry(zerolog.Nop())
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{ClockName, ForecastName, NotesName}, reg.Names())

	assert.NoError(t, reg.Validate(NotesName, map[string]any{"action": "add", "text": "x"}))
	assert.ErrorIs(t, reg.Validate(NotesName, map[string]any{"action": "delete"}), tools.ErrInvalidArguments)
	assert.NoError(t, reg.Validate(ClockName, map[string]any{}))
	assert.NoError(t, reg.Validate(ForecastName, map[string]any{"latitude": 59.9, "longitude": 10.7}))
	assert.ErrorIs(t, reg.Validate(ForecastName, map[string]any{"latitude": 59.9}), tools.ErrInvalidArguments)
	assert.NoError(t, reg.Validate(ForecastName, map[string]any{"location_name": "Columbus"}))
	assert.ErrorIs(t, reg.Validate(ForecastName, map[string]any{}), tools.ErrInvalidArguments)
	assert.ErrorIs(t, reg.Validate(ForecastName, map[string]any{"location_name": "Columbus", "units": "F"}), tools.ErrInvalidArguments)
}

func TestClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	inst, err := ClockTool().Factory(tools.Options{Now: func() time.Time { return fixed }})
	require.NoError(t, err)

	res, err := inst.Invoke(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", res.Content)

	res, err = inst.Invoke(context.Background(), map[string]any{"format": "2006-01-02"})
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02", res.Content)

	res, err = inst.Invoke(context.Background(), map[string]any{"timezone": "Not/AZone"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestNotes(t *testing.T) {
	inst, err := NotesTool().Factory(tools.Options{UserID: "u1"})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := inst.Invoke(ctx, map[string]any{"action": "list"})
	require.NoError(t, err)
	assert.Equal(t, "no notes", res.Content)

	_, err = inst.Invoke(ctx, map[string]any{"action": "add", "text": "buy milk"})
	require.NoError(t, err)
	res, err = inst.Invoke(ctx, map[string]any{"action": "add", "text": "call ${mom}"})
	require.NoError(t, err)
	assert.Equal(t, "saved note 2", res.Content)

	res, err = inst.Invoke(ctx, map[string]any{"action": "list"})
	require.NoError(t, err)
	assert.Equal(t, "1. buy milk\n2. call ${mom}", res.Content)

	res, err = inst.Invoke(ctx, map[string]any{"action": "add"})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	t.Run("prompt section", func(t *testing.T) {
		sp, ok := inst.(tools.SectionProvider)
		require.True(t, ok)
		sections := sp.PromptSections(ctx)
		require.Len(t, sections, 1)

		out, err := prompt.Render(ctx, sections, prompt.Data{})
		require.NoError(t, err)
		assert.Equal(t, "## notes\n\nSaved notes:\n1. buy milk\n2. call ${mom}", out)
	})

	res, err = inst.Invoke(ctx, map[string]any{"action": "clear"})
	require.NoError(t, err)
	assert.Equal(t, "cleared 2 notes", res.Content)

	closer, ok := inst.(io.Closer)
	require.True(t, ok)
	require.NoError(t, closer.Close())
	_, err = inst.Invoke(ctx, map[string]any{"action": "list"})
	assert.Error(t, err)
}
