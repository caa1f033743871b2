package cutibot

import (
	"fmt"
	"slices"
	"strings"
)

// PersonaKind distinguishes the default persona from the one used for
// the distinguished user
type PersonaKind int

const (
	DefaultPersona PersonaKind = iota
	DistinguishedPersona
)

func (k PersonaKind) String() string {
	if k == DistinguishedPersona {
		return "distinguished"
	}
	return "default"
}

// Persona is the tone preamble and candidate reply lengths for one
// kind of conversation partner.
type Persona struct {
	Kind           PersonaKind
	Preamble       string
	SentenceCounts []int
}

// pickSentenceCount returns one of the persona's sentence counts, using
// intn (ex: rand.IntN) to choose uniformly.
func (p Persona) pickSentenceCount(intn func(int) int) int {
	if len(p.SentenceCounts) == 0 {
		return 1
	}
	return p.SentenceCounts[intn(len(p.SentenceCounts))]
}

// lengthInstruction tells the model how long its reply should be
func (p Persona) lengthInstruction() string {
	if len(p.SentenceCounts) == 0 {
		return "Reply in one sentence."
	}
	lo, hi := slices.Min(p.SentenceCounts), slices.Max(p.SentenceCounts)
	if lo == hi {
		return fmt.Sprintf("Reply in %d sentences.", lo)
	}
	return fmt.Sprintf("Reply in %d-%d sentences.", lo, hi)
}

// Prompt builds the full model prompt from the rendered transcript
func (p Persona) Prompt(transcript, botLabel string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Preamble))
	b.WriteString("\n")
	b.WriteString(p.lengthInstruction())
	b.WriteString("\n\n")
	if transcript != "" {
		b.WriteString(transcript)
		b.WriteString("\n")
	}
	b.WriteString(botLabel)
	b.WriteString(":")
	return b.String()
}

// Personas selects between the default and distinguished persona
type Personas struct {
	DistinguishedUserID string
	Default             Persona
	Distinguished       Persona
}

func newPersonas(cfg *PersonaConfig) Personas {
	return Personas{
		DistinguishedUserID: cfg.DistinguishedUserID,
		Default: Persona{
			Kind:           DefaultPersona,
			Preamble:       cfg.Preamble,
			SentenceCounts: slices.Clone(cfg.SentenceCounts),
		},
		Distinguished: Persona{
			Kind:           DistinguishedPersona,
			Preamble:       cfg.DistinguishedPreamble,
			SentenceCounts: slices.Clone(cfg.DistinguishedSentenceCounts),
		},
	}
}

// IsDistinguished reports whether userID is the distinguished user
func (p Personas) IsDistinguished(userID string) bool {
	return p.DistinguishedUserID != "" && userID == p.DistinguishedUserID
}

// Select returns the persona for the given user
func (p Personas) Select(distinguished bool) Persona {
	if distinguished {
		return p.Distinguished
	}
	return p.Default
}
