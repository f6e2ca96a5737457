package inject

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dakbox/dakbox-cli/internal/browser/dom"
	"github.com/dakbox/dakbox-cli/internal/config"
)

// recordingTarget applies writes to an in-memory value map and records every call.
type recordingTarget struct {
	values  map[string]string
	calls   []string
	sleeps  []time.Duration
	failRef string
}

func newRecordingTarget() *recordingTarget {
	return &recordingTarget{values: map[string]string{}}
}

func (r *recordingTarget) Focus(_ context.Context, ref string) error {
	r.calls = append(r.calls, "focus:"+ref)
	return nil
}

func (r *recordingTarget) Write(_ context.Context, w Write) error {
	if w.Ref == r.failRef {
		return errors.New("target closed")
	}
	r.calls = append(r.calls, "write:"+w.Ref)
	r.values[w.Ref] = w.Value
	return nil
}

func (r *recordingTarget) Blur(_ context.Context, ref string) error {
	r.calls = append(r.calls, "blur:"+ref)
	return nil
}

func (r *recordingTarget) Sleep(ctx context.Context, d time.Duration) error {
	r.sleeps = append(r.sleeps, d)
	return ctx.Err()
}

func refs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "f" + string(rune('0'+i))
	}
	return out
}

func TestAssign(t *testing.T) {
	t.Run("single field takes whole code", func(t *testing.T) {
		w, err := Assign([]string{"only"}, "482913")
		require.NoError(t, err)
		require.Len(t, w, 1)
		assert.Equal(t, "482913", w[0].Value)
		assert.True(t, w[0].Clear)
	})

	for _, code := range []string{"1234", "12345", "482913", "1234567", "12345678"} {
		t.Run("split "+code, func(t *testing.T) {
			w, err := Assign(refs(8), code)
			require.NoError(t, err)
			require.Len(t, w, len(code))
			for i, c := range code {
				assert.Equal(t, refs(8)[i], w[i].Ref)
				assert.Equal(t, string(c), w[i].Value)
			}
		})
	}

	t.Run("too few fields", func(t *testing.T) {
		_, err := Assign(refs(3), "482913")
		assert.ErrorIs(t, err, ErrFieldMismatch)
	})

	t.Run("empty code", func(t *testing.T) {
		_, err := Assign(refs(3), "")
		assert.Error(t, err)
	})
}

func TestSequence_Order(t *testing.T) {
	seq := Sequence("7")
	types := make([]string, len(seq))
	for i, e := range seq {
		types[i] = e.Type
	}
	assert.Equal(t, []string{"keydown", "input", "keyup", "change"}, types)
	assert.Equal(t, "insertText", seq[1].InputType)
	assert.Equal(t, "7", seq[1].Data)
}

func TestFill_SplitFields(t *testing.T) {
	target := newRecordingTarget()
	inj := New(zaptest.NewLogger(t), config.HumanoidConfig{})

	writes, err := inj.Fill(context.Background(), target, refs(8), "482913")
	require.NoError(t, err)
	require.Len(t, writes, 6)

	for i, want := range []string{"4", "8", "2", "9", "1", "3"} {
		assert.Equal(t, want, target.values[refs(8)[i]])
	}
	assert.NotContains(t, target.values, "f6", "fields past the code length are untouched")
	assert.NotContains(t, target.values, "f7")
	assert.Equal(t, "blur:f5", target.calls[len(target.calls)-1])
	assert.Equal(t, []string{"focus:f0", "write:f0", "focus:f1"}, target.calls[:3])
}

func TestFill_CadencePauses(t *testing.T) {
	target := newRecordingTarget()
	cadence := config.HumanoidConfig{
		Enabled:          true,
		FocusPause:       50 * time.Millisecond,
		KeyPauseMeanMs:   100,
		KeyPauseStdDevMs: 28,
		KeyPauseMinMs:    35,
	}
	inj := New(nil, cadence)

	_, err := inj.Fill(context.Background(), target, refs(4), "1234")
	require.NoError(t, err)

	// Four focus pauses and three inter-field pauses.
	require.Len(t, target.sleeps, 7)
	var focus int
	for _, d := range target.sleeps {
		if d == 50*time.Millisecond {
			focus++
		}
		assert.GreaterOrEqual(t, d, 35*time.Millisecond)
	}
	assert.GreaterOrEqual(t, focus, 4)
}

func TestFill_StopsOnTargetError(t *testing.T) {
	target := newRecordingTarget()
	target.failRef = "f2"

	writes, err := New(nil, config.HumanoidConfig{}).Fill(context.Background(), target, refs(4), "1234")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field 3 of 4")
	assert.Len(t, writes, 2)
	assert.Equal(t, "1", target.values["f0"])
}

func TestFill_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil, config.HumanoidConfig{}).Fill(ctx, newRecordingTarget(), refs(4), "1234")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteScript(t *testing.T) {
	js, err := WriteScript(newWrite("n12", "4"))
	require.NoError(t, err)
	assert.Contains(t, js, `Object.getOwnPropertyDescriptor(proto, 'value')`)
	assert.Contains(t, js, `"ref":"n12"`)
	assert.Contains(t, js, `"inputType":"insertText"`)
	assert.True(t, strings.HasSuffix(js, ")"))

	focus, err := FocusScript(`a"b`)
	require.NoError(t, err)
	assert.Contains(t, focus, `("a\"b")`)
}

func TestVerify(t *testing.T) {
	probe, err := dom.ParseString(`<body><input id="a"><input id="b"></body>`, "https://x.test/", nil)
	require.NoError(t, err)
	a, _ := probe.Query("#a")
	b, _ := probe.Query("#b")

	states := map[string]dom.NodeState{
		a.Ref: {Value: "4", HasValue: true},
		b.Ref: {Value: "", HasValue: true},
	}
	live, err := dom.ParseString(`<body><input id="a"><input id="b"></body>`, "https://x.test/", states)
	require.NoError(t, err)

	bad := Verify(live, []Write{newWrite(a.Ref, "4"), newWrite(b.Ref, "8"), newWrite("gone", "2")})
	assert.Equal(t, []string{b.Ref, "gone"}, bad)
}
