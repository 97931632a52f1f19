package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-alert-pipeline/pkg/models"
)

func TestDecode_ValidatesSchema(t *testing.T) {
	cases := map[string]string{
		"wrong version":    `{"v":2,"kind":"lifecycle","value":"foreground"}`,
		"unknown kind":     `{"v":1,"kind":"hello"}`,
		"bad lifecycle":    `{"v":1,"kind":"lifecycle","value":"asleep"}`,
		"order without id": `{"v":1,"kind":"newOrder","payload":{}}`,
		"not an object":    `[1,2,3]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestEncodeDecode_Lifecycle(t *testing.T) {
	data, err := Encode(LifecycleMessage("s1", models.LifecycleBackground))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"kind":"lifecycle","sessionId":"s1","value":"background"}`, string(data))

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleBackground, msg.Value)
}

type nested struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

func TestSanitize_FlattensRichTypes(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	point := models.GeoPoint{Latitude: 10, Longitude: 20}

	out := Sanitize(map[string]any{
		"createdAt": at,
		"zero":      time.Time{},
		"where":     &point,
		"status":    models.StatusPending,
		"tags":      []string{"a", "b"},
		"items":     []map[string]any{{"at": at}},
		"counts":    map[string]int{"x": 1},
		"nested":    nested{Name: "n"},
		"nothing":   nil,
	})

	assert.Equal(t, at.UnixMilli(), out["createdAt"])
	assert.Nil(t, out["zero"])
	assert.Equal(t, map[string]any{"latitude": 10.0, "longitude": 20.0}, out["where"])
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, []any{"a", "b"}, out["tags"])
	assert.Equal(t, []any{map[string]any{"at": at.UnixMilli()}}, out["items"])
	assert.Equal(t, map[string]any{"x": 1}, out["counts"])
	assert.Equal(t, "n", out["nested"].(map[string]any)["name"])
	assert.Nil(t, out["nothing"])
}
