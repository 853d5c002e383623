package input

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeWithoutKeysIsZero(t *testing.T) {
	require.Equal(t, Input(0), Encode(0))
	require.Equal(t, "none", Encode(0).String())
}

func TestEncodeDefaultBindings(t *testing.T) {
	cases := []struct {
		name string
		keys Keys
		want Input
	}{
		{"arrow left", Keys(0).Press(KeyArrowLeft), Left},
		{"wasd right and jump", Keys(0).Press(KeyD, KeyW), Right | Jump},
		{"strike via enter", Keys(0).Press(KeyEnter), Strike},
		{"space strikes without jumping", Keys(0).Press(KeySpace), Strike},
		{"both movement keys", Keys(0).Press(KeyA, KeyArrowRight), Left | Right},
		{"duplicate bindings collapse", Keys(0).Press(KeyArrowUp, KeyW), Jump},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Encode(tc.keys))
		})
	}
}

func TestEncodeIsPure(t *testing.T) {
	keys := Keys(0).Press(KeyA, KeySpace)
	first := Encode(keys)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Encode(keys))
	}
}

func TestInputBitHelpers(t *testing.T) {
	in := Jump | Strike
	require.True(t, in.Has(Jump))
	require.True(t, in.Has(Jump|Strike))
	require.False(t, in.Has(Left))
	require.False(t, in.Has(0))
	require.Equal(t, Left|Strike, in.Diff(Jump|Left))
	require.Equal(t, "jump+strike", in.String())
}

func TestEdgeTriggerFiresOncePerPress(t *testing.T) {
	var edge EdgeTrigger
	require.Equal(t, Jump|Left, edge.Apply(Jump|Left))
	require.Equal(t, Left, edge.Apply(Jump|Left))
	require.Equal(t, Input(0), edge.Apply(0))
	require.Equal(t, Jump, edge.Apply(Jump))
}

func TestScriptSourceIsReproducible(t *testing.T) {
	a := NewScriptSource(42)
	b := NewScriptSource(42)
	for i := 0; i < 200; i++ {
		require.Equal(t, a.Keys(), b.Keys(), "tick %d", i)
	}
}
