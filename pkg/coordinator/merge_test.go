package coordinator

import (
	"testing"
	"time"

	"github.com/cuemby/sentinel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allVariants() []types.Request {
	return []types.Request{
		types.NewRestart("restart"),
		types.NewEnterDeviceIdle("doze"),
		types.NewRecover(types.ModeDeep, "deep"),
		types.NewNetworkBump("bump"),
		types.NewRecover(types.ModeFull, "full"),
		types.NewRecover(types.ModeProactive, "proactive"),
		types.NewRecover(types.ModeQuick, "quick"),
		types.NewRecover(types.ModeAuto, "auto"),
		types.NewResetCoreNetwork("core-forced", true),
		types.NewResetCoreNetwork("core", false),
		types.NewResetConnections("conn", false),
		types.NewCloseIdentities([]string{"com.example.chat"}, "stale"),
		types.NewVerifyConnectivity(types.ModeQuick, true, "verify"),
		types.NewCloseIdleConnections(30*time.Second, "idle-close"),
	}
}

func TestMergeKeepsMaxPriority(t *testing.T) {
	for _, a := range allVariants() {
		for _, b := range allVariants() {
			want := max(a.Priority(), b.Priority())
			assert.Equal(t, want, Merge(a, b).Priority(), "%s + %s", a, b)
			assert.Equal(t, want, Merge(b, a).Priority(), "%s + %s", b, a)
		}
	}
}

func TestMergeIsAssociativeOnPriority(t *testing.T) {
	vs := allVariants()
	for _, a := range vs {
		for _, b := range vs {
			for _, c := range vs {
				left := Merge(Merge(a, b), c).Priority()
				right := Merge(a, Merge(b, c)).Priority()
				assert.Equal(t, left, right, "(%s %s) %s", a, b, c)
			}
		}
	}
}

func TestMergeDeviceIdleWins(t *testing.T) {
	idle := types.NewEnterDeviceIdle("doze")
	reset := types.NewResetConnections("foreground", false)

	for _, merged := range []types.Request{Merge(reset, idle), Merge(idle, reset)} {
		assert.Equal(t, types.KindEnterDeviceIdle, merged.Kind)
		assert.Contains(t, merged.Reason, "doze")
		assert.Contains(t, merged.Reason, "foreground")
	}

	// Restart still outranks idle entry
	merged := Merge(idle, types.NewRestart("manual"))
	assert.Equal(t, types.KindRestart, merged.Kind)
	assert.Equal(t, "manual | doze", merged.Reason)
}

func TestMergeResetsIntoComposite(t *testing.T) {
	conn := types.NewResetConnections("type change", true)
	core := types.NewResetCoreNetwork("network change", true)

	for _, merged := range []types.Request{Merge(conn, core), Merge(core, conn)} {
		require.Equal(t, types.KindComposite, merged.Kind)
		require.Len(t, merged.Items, 2)
		assert.Equal(t, types.KindResetCoreNetwork, merged.Items[0].Kind)
		assert.Equal(t, types.KindResetConnections, merged.Items[1].Kind)
		assert.Equal(t, types.PriorityResetCoreForced, merged.Priority())
	}
}

func TestMergeResetsDeduplicates(t *testing.T) {
	merged := Merge(types.NewResetConnections("a", false), types.NewResetCoreNetwork("b", false))
	merged = Merge(merged, types.NewResetCoreNetwork("c", true))
	merged = Merge(merged, types.NewResetConnections("d", true))
	merged = Merge(merged, types.NewResetCoreNetwork("e", false))

	require.Equal(t, types.KindComposite, merged.Kind)
	require.Len(t, merged.Items, 2)

	var conns, cores int
	for _, item := range merged.Items {
		switch item.Kind {
		case types.KindResetConnections:
			conns++
			assert.True(t, item.SkipDebounce)
		case types.KindResetCoreNetwork:
			cores++
			assert.True(t, item.Force, "highest priority core reset is kept")
		}
	}
	assert.Equal(t, 1, conns)
	assert.Equal(t, 1, cores)
}

func TestMergeSameResetKind(t *testing.T) {
	merged := Merge(types.NewResetConnections("a", true), types.NewResetConnections("b", false))
	assert.Equal(t, types.KindResetConnections, merged.Kind)
	assert.True(t, merged.SkipDebounce)
	assert.Equal(t, "a | b", merged.Reason)
}

func TestMergeHigherPriorityReplacesResets(t *testing.T) {
	composite := Merge(types.NewResetConnections("a", false), types.NewResetCoreNetwork("b", false))
	merged := Merge(composite, types.NewRecover(types.ModeFull, "stale"))

	assert.Equal(t, types.KindRecover, merged.Kind)
	assert.Equal(t, types.ModeFull, merged.Mode)
	assert.Equal(t, "stale | a | b", merged.Reason)
}

func TestMergeTieKeepsPending(t *testing.T) {
	first := types.NewRecover(types.ModeQuick, "first")
	second := types.NewRecover(types.ModeQuick, "second")

	merged := Merge(first, second)
	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, "first | second", merged.Reason)
}

func TestMergeBumpAndRecoverIntoComposite(t *testing.T) {
	bump := types.NewNetworkBump("app_foreground")
	quick := types.NewRecover(types.ModeQuick, "stale")

	for _, merged := range []types.Request{Merge(bump, quick), Merge(quick, bump)} {
		require.Equal(t, types.KindComposite, merged.Kind)
		require.Len(t, merged.Items, 2)
		assert.Equal(t, types.KindNetworkBump, merged.Items[0].Kind)
		assert.Equal(t, types.KindRecover, merged.Items[1].Kind)
		assert.Equal(t, types.PriorityNetworkBump, merged.Priority())
	}

	// a later, stronger recover replaces the weaker one in the composite
	merged := Merge(Merge(bump, quick), types.NewRecover(types.ModeDeep, "doze_exit"))
	require.Equal(t, types.KindComposite, merged.Kind)
	require.Len(t, merged.Items, 2)
	assert.Equal(t, types.ModeDeep, merged.Items[1].Mode)
	assert.Equal(t, types.PriorityRecoverDeep, merged.Priority())
}

func TestMergeBumpYieldsToOtherKinds(t *testing.T) {
	bump := types.NewNetworkBump("screen_on")

	merged := Merge(Merge(bump, types.NewRecover(types.ModeFull, "a")), types.NewRestart("manual"))
	assert.Equal(t, types.KindRestart, merged.Kind)

	merged = Merge(bump, types.NewResetConnections("b", true))
	assert.Equal(t, types.KindNetworkBump, merged.Kind)
	assert.Equal(t, "screen_on | b", merged.Reason)
}
