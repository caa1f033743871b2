package cutibot

import (
	"github.com/stretchr/testify/assert"
	"strings"
	"testing"
)

func TestPersona_LengthInstruction(t *testing.T) {
	t.Parallel()
	assert.Equal(
		t,
		"Reply in 2-3 sentences.",
		Persona{SentenceCounts: []int{2, 3}}.lengthInstruction(),
	)
	assert.Equal(
		t,
		"Reply in 4-6 sentences.",
		Persona{SentenceCounts: []int{6, 4}}.lengthInstruction(),
	)
	assert.Equal(
		t,
		"Reply in 2 sentences.",
		Persona{SentenceCounts: []int{2}}.lengthInstruction(),
	)
	assert.Equal(t, "Reply in one sentence.", Persona{}.lengthInstruction())
}

func TestPersona_PickSentenceCount(t *testing.T) {
	t.Parallel()
	p := Persona{SentenceCounts: []int{4, 6}}
	assert.Equal(t, 4, p.pickSentenceCount(func(int) int { return 0 }))
	assert.Equal(t, 6, p.pickSentenceCount(func(n int) int { return n - 1 }))
	assert.Equal(t, 1, Persona{}.pickSentenceCount(func(int) int { return 0 }))
}

func TestPersona_Prompt(t *testing.T) {
	t.Parallel()
	p := Persona{
		Preamble:       "  You are Cuti.  ",
		SentenceCounts: []int{2, 3},
	}

	prompt := p.Prompt("User: hi", "Cuti")
	assert.Equal(
		t,
		"You are Cuti.\nReply in 2-3 sentences.\n\nUser: hi\nCuti:",
		prompt,
	)

	empty := p.Prompt("", "Cuti")
	assert.Equal(t, "You are Cuti.\nReply in 2-3 sentences.\n\nCuti:", empty)
	assert.True(t, strings.HasSuffix(empty, "Cuti:"))
}

func TestPersonas_Select(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig().Persona
	cfg.DistinguishedUserID = "darling123"
	personas := newPersonas(cfg)

	assert.True(t, personas.IsDistinguished("darling123"))
	assert.False(t, personas.IsDistinguished("someone"))
	assert.False(t, personas.IsDistinguished(""))

	d := personas.Select(true)
	assert.Equal(t, DistinguishedPersona, d.Kind)
	assert.Equal(t, "distinguished", d.Kind.String())
	assert.Equal(t, cfg.DistinguishedSentenceCounts, d.SentenceCounts)

	n := personas.Select(false)
	assert.Equal(t, DefaultPersona, n.Kind)
	assert.Equal(t, "default", n.Kind.String())
	assert.Equal(t, cfg.SentenceCounts, n.SentenceCounts)

	cfg.DistinguishedUserID = ""
	assert.False(t, newPersonas(cfg).IsDistinguished(""))
}
