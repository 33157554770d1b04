package voice

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranscriptReconciler_BackendDrives(t *testing.T) {
	r := NewTranscriptReconciler(PolicyPreferLocal)

	r.ApplyBackendPartial("tac")
	r.ApplyBackendPartial("tacos")
	assert.Equal(t, "tacos", r.LiveText(), "partials replace each other")
	assert.Equal(t, "", r.FinalText())

	r.ApplyReply("Try ")
	r.ApplyReply("Seis Kitchen.")
	assert.Equal(t, "tacos", r.FinalText(), "reply commits the pending partial")
	assert.Equal(t, "tacos", r.LiveText())
	assert.Equal(t, "tacos", r.BackendText())
	assert.Equal(t, "Try Seis Kitchen.", r.ReplyText())

	r.ApplyBackendPartial("and coffee")
	assert.Equal(t, "tacos and coffee", r.LiveText())
	r.ApplyBackendFinal("and coffee")
	assert.Equal(t, "tacos and coffee", r.FinalText())
	assert.Equal(t, "tacos and coffee", r.BackendText())
}

func TestTranscriptReconciler_LocalDrives(t *testing.T) {
	r := NewTranscriptReconciler(PolicyPreferLocal)
	r.SetLocalActive(true)

	r.ApplyLocalPartial("where can")
	assert.Equal(t, "where can", r.LiveText())

	r.ApplyBackendPartial("wear can")
	assert.Equal(t, "where can", r.LiveText(), "backend does not drive while local is active")

	r.ApplyLocalFinal("where can I eat")
	assert.Equal(t, "where can I eat", r.FinalText())
	assert.Equal(t, "where can I eat", r.LiveText())

	r.ApplyReply("Try Seis.")
	assert.Equal(t, "where can I eat", r.FinalText())
	assert.Equal(t, "wear can", r.BackendText(), "backend text is still accumulated")

	r.ApplyLocalPartial("tonight")
	assert.Equal(t, "where can I eat tonight", r.LiveText())
}

func TestTranscriptReconciler_PreferBackend(t *testing.T) {
	r := NewTranscriptReconciler(PolicyPreferBackend)
	r.SetLocalActive(true)

	r.ApplyLocalPartial("ignored")
	r.ApplyLocalFinal("ignored")
	assert.Equal(t, "", r.LiveText())
	assert.Equal(t, "", r.FinalText())

	r.ApplyBackendPartial("pizza")
	assert.Equal(t, "pizza", r.LiveText())
}

func TestTranscriptReconciler_LocalFinalsJoin(t *testing.T) {
	r := NewTranscriptReconciler(PolicyPreferLocal)
	r.SetLocalActive(true)
	r.ApplyLocalFinal("hello")
	r.ApplyLocalFinal(" world ")
	r.ApplyLocalFinal("")
	assert.Equal(t, "hello world", r.FinalText())
	assert.Equal(t, "hello world", r.LiveText())
}

func TestTranscriptReconciler_IgnoresBlankFinals(t *testing.T) {
	r := NewTranscriptReconciler(PolicyPreferLocal)
	r.ApplyLocalFinal("   ")
	r.ApplyBackendFinal("")
	r.ApplyReply("hello")
	assert.Equal(t, "", r.FinalText())
	assert.Equal(t, "", r.BackendText())
}

func TestTranscriptReconciler_FinalOnlyGrows(t *testing.T) {
	r := NewTranscriptReconciler(PolicyPreferLocal)
	events := []func(){
		func() { r.ApplyBackendPartial("a") },
		func() { r.ApplyBackendFinal("b") },
		func() { r.ApplyReply("x") },
		func() { r.ApplyBackendPartial("c") },
		func() { r.SetLocalActive(true) },
		func() { r.ApplyLocalPartial("d") },
		func() { r.ApplyLocalFinal("e") },
		func() { r.ApplyBackendPartial("f") },
		func() { r.ApplyReply("y") },
		func() { r.SetLocalActive(false) },
		func() { r.ApplyBackendFinal("g") },
	}
	prev := ""
	for i, ev := range events {
		ev()
		final := r.FinalText()
		assert.True(t, strings.HasPrefix(final, prev), "step %d: %q does not extend %q", i, final, prev)
		assert.True(t, strings.HasPrefix(r.LiveText(), final), "step %d: live must start with final", i)
		prev = final
	}
}

func TestTranscriptReconciler_Reset(t *testing.T) {
	r := NewTranscriptReconciler(PolicyPreferLocal)
	r.ApplyBackendPartial("tacos")
	r.ApplyReply("ok")
	r.Reset()
	assert.Equal(t, "", r.LiveText())
	assert.Equal(t, "", r.FinalText())
	assert.Equal(t, "", r.BackendText())
	assert.Equal(t, "", r.ReplyText())
}

func TestTranscriptPolicy_Valid(t *testing.T) {
	assert.True(t, PolicyPreferLocal.Valid())
	assert.True(t, PolicyPreferBackend.Valid())
	assert.False(t, TranscriptPolicy("loudest").Valid())

	r := NewTranscriptReconciler("loudest")
	assert.Equal(t, PolicyPreferLocal, r.policy)
}
