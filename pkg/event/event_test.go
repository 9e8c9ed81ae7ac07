package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	t.Run("should stamp session, id and timestamp", func(t *testing.T) {
		e := TextDelta("s1", "i1", "hel")
		assert.Equal(t, TypeTextDelta, e.Type)
		assert.Equal(t, "s1", e.SessionID)
		assert.Equal(t, "i1", e.InteractionID)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
		assert.Equal(t, "hel", e.Text)
	})

	t.Run("should copy tool arguments", func(t *testing.T) {
		args := map[string]any{"location_name": "Columbus"}
		e := ToolCallBegin("s1", "i1", "c1", "weather", args)
		args["location_name"] = "Dayton"
		assert.Equal(t, "Columbus", e.Arguments["location_name"])
	})

	t.Run("should copy history slices", func(t *testing.T) {
		hist := []HistoryEntry{{Role: "user", Content: "hi"}}
		e := HistorySnapshot("s1", hist, 1)
		hist[0].Content = "changed"
		assert.Equal(t, "hi", e.History[0].Content)
		assert.Equal(t, 1, e.Turns)
	})
}

func TestWireFormat(t *testing.T) {
	data, err := json.Marshal(Error("s1", "i1", CodeCancelled, "turn cancelled"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "error", raw["type"])
	assert.Equal(t, "s1", raw["session_id"])
	assert.Contains(t, raw, "timestamp")
	assert.Equal(t, "cancelled", raw["code"])
	assert.NotContains(t, raw, "text")
}

func TestUnknownTypesAreForwardCompatible(t *testing.T) {
	e, err := Decode([]byte(`{"type":"hologram","session_id":"s1","timestamp":"2026-01-02T03:04:05Z","beam":42}`))
	require.NoError(t, err)
	assert.Equal(t, Type("hologram"), e.Type)
	assert.False(t, Known(e.Type))
	assert.True(t, Known(TypeCompletion))
}

func TestHub(t *testing.T) {
	t.Run("should deliver only to matching session", func(t *testing.T) {
		hub := NewHub()
		ch1, cancel1 := hub.Subscribe("s1", 4)
		defer cancel1()
		ch2, cancel2 := hub.Subscribe("s2", 4)
		defer cancel2()

		hub.Emit(SystemMessage("s1", "hello"))

		got := <-ch1
		assert.Equal(t, "hello", got.Message)
		select {
		case e := <-ch2:
			t.Fatalf("unexpected event for s2: %v", e)
		default:
		}
	})

	t.Run("should close channel on cancel", func(t *testing.T) {
		hub := NewHub()
		ch, cancel := hub.Subscribe("s1", 1)
		assert.Equal(t, 1, hub.SubscriberCount("s1"))
		cancel()
		_, ok := <-ch
		assert.False(t, ok)
		assert.Equal(t, 0, hub.SubscriberCount("s1"))
	})

	t.Run("should drop events for slow subscribers", func(t *testing.T) {
		hub := NewHub()
		ch, cancel := hub.Subscribe("s1", 1)
		defer cancel()
		hub.Emit(SystemMessage("s1", "one"))
		hub.Emit(SystemMessage("s1", "two"))
		assert.Len(t, ch, 1)
	})
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	Multi(rec, Discard).Emit(TextDelta("s", "i", "a"))
	rec.Emit(Completion("s", "i", "done", &Usage{InputTokens: 1}))

	assert.Len(t, rec.Events(), 2)
	assert.Len(t, rec.OfType(TypeCompletion), 1)
	rec.Reset()
	assert.Empty(t, rec.Events())
}
