package feedback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(path ...string) map[string]any {
	segs := make([]any, len(path))
	for i, s := range path {
		segs[i] = s
	}
	return map[string]any{"Path": segs}
}

func TestNormalizePathEquivalentForms(t *testing.T) {
	want := []string{"Status", "Audio", "Volume"}

	forms := []any{
		"Status/Audio/Volume",
		"Status Audio Volume",
		"Status/Audio Volume",
		[]string{"Status", "Audio", "Volume"},
		[]any{"Status", "Audio", "Volume"},
	}
	for _, form := range forms {
		got, err := NormalizePath(form)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestNormalizePathRejectsBadInput(t *testing.T) {
	_, err := NormalizePath("")
	assert.Error(t, err)
	_, err = NormalizePath(42)
	assert.Error(t, err)
	_, err = NormalizePath([]any{"Status", 7})
	assert.Error(t, err)
}

func TestSubscribeDispatchExactPath(t *testing.T) {
	tree := NewTree()

	var calls int
	var got map[string]any
	_, err := tree.Subscribe("Status/Audio/Volume", func(params map[string]any) {
		calls++
		got = params
	})
	require.NoError(t, err)

	payload := event("Status", "Audio", "Volume")
	payload["Volume"] = 30
	tree.Dispatch(payload)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 30, got["Volume"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tree := NewTree()

	var calls int
	cancel, err := tree.Subscribe("Status/Audio/Volume", func(map[string]any) { calls++ })
	require.NoError(t, err)

	cancel()
	tree.Dispatch(event("Status", "Audio", "Volume"))
	assert.Zero(t, calls)

	// Second cancel is a no-op.
	cancel()
	assert.Zero(t, tree.Count("Status/Audio/Volume"))
}

func TestDuplicatePathKeepsIndependentRegistrations(t *testing.T) {
	tree := NewTree()

	var first, second int
	cancelFirst, err := tree.Subscribe("Status/Call", func(map[string]any) { first++ })
	require.NoError(t, err)
	_, err = tree.Subscribe("Status/Call", func(map[string]any) { second++ })
	require.NoError(t, err)

	require.Equal(t, 2, tree.Count("Status/Call"))

	cancelFirst()
	require.Equal(t, 1, tree.Count("Status/Call"))

	tree.Dispatch(event("Status", "Call"))
	assert.Zero(t, first)
	assert.Equal(t, 1, second)
}

func TestDispatchOrderExactThenAncestorsOutward(t *testing.T) {
	tree := NewTree()

	var order []string
	mustSubscribe(t, tree, "Status/Audio/Volume", &order, "exact-1")
	mustSubscribe(t, tree, "Status/Audio/Volume", &order, "exact-2")
	mustSubscribe(t, tree, "Status/Audio/*", &order, "audio-wild")
	mustSubscribe(t, tree, "Status/*", &order, "status-wild")
	mustSubscribe(t, tree, "*", &order, "root-wild")

	tree.Dispatch(event("Status", "Audio", "Volume"))

	assert.Equal(t, []string{"exact-1", "exact-2", "audio-wild", "status-wild", "root-wild"}, order)
}

func mustSubscribe(t *testing.T, tree *Tree, path string, order *[]string, tag string) {
	t.Helper()
	_, err := tree.Subscribe(path, func(map[string]any) {
		*order = append(*order, tag)
	})
	require.NoError(t, err)
}

func TestDispatchNoListenersIsSilent(t *testing.T) {
	tree := NewTree()
	assert.NotPanics(t, func() {
		tree.Dispatch(event("Status", "SystemUnit", "Uptime"))
		tree.Dispatch(map[string]any{})
		tree.Dispatch(map[string]any{"Path": 13})
	})
}

func TestInterceptorTransformsPayload(t *testing.T) {
	tree := NewTree(WithInterceptor(func(params map[string]any) (map[string]any, bool) {
		params["Stamped"] = true
		return params, true
	}))

	var got map[string]any
	_, err := tree.Subscribe("Status/Call", func(params map[string]any) { got = params })
	require.NoError(t, err)

	tree.Dispatch(event("Status", "Call"))
	require.NotNil(t, got)
	assert.Equal(t, true, got["Stamped"])
}

func TestInterceptorVetoInformsRejectHandler(t *testing.T) {
	var rejected map[string]any
	tree := NewTree(
		WithInterceptor(func(params map[string]any) (map[string]any, bool) {
			return nil, false
		}),
		WithRejectHandler(func(params map[string]any) { rejected = params }),
	)

	var calls int
	_, err := tree.Subscribe("Status/Call", func(map[string]any) { calls++ })
	require.NoError(t, err)

	tree.Dispatch(event("Status", "Call"))
	assert.Zero(t, calls)
	assert.NotNil(t, rejected)
}

func TestResetDropsAllRegistrations(t *testing.T) {
	tree := NewTree()

	var calls int
	_, err := tree.Subscribe("Status/Audio/Volume", func(map[string]any) { calls++ })
	require.NoError(t, err)
	_, err = tree.Subscribe("Status/*", func(map[string]any) { calls++ })
	require.NoError(t, err)

	tree.Reset()
	tree.Dispatch(event("Status", "Audio", "Volume"))
	assert.Zero(t, calls)
}

func TestPathSegmentCasePreserved(t *testing.T) {
	tree := NewTree()

	var calls int
	_, err := tree.Subscribe("Status/Audio/Volume", func(map[string]any) { calls++ })
	require.NoError(t, err)

	tree.Dispatch(event("status", "audio", "volume"))
	assert.Zero(t, calls)

	tree.Dispatch(event("Status", "Audio", "Volume"))
	assert.Equal(t, 1, calls)
}
