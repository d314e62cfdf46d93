package qualify

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// The phrase tables mirror the wording the system prompt asks the assistant
// to use. They are matched accent- and case-insensitively.
var (
	visitConfirmedPhrases = []string{"visita agendada", "visita confirmada"}
	visitOfferPhrases     = []string{"agendar uma visita"}
	qualifyingPhrases     = []struct {
		phrase string
		step   Step
	}{
		{"comprar ou alugar", StepPurpose},
		{"tipo de imovel", StepType},
		{"qual cidade", StepCity},
		{"quantos quartos", StepBedrooms},
	}
)

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// Classify derives a stage signal from an assistant reply and the property
// codes extracted from it. Precedence: visit confirmed, visit offered,
// qualifying question, then properties presented.
//
// This is the only place that reads free-form model output to drive the
// stage machine; a structured-output contract can replace it without
// touching Apply.
func Classify(reply string, codes []string) Signal {
	text := fold(reply)
	switch {
	case containsAny(text, visitConfirmedPhrases):
		return Signal{Trigger: TriggerConfirmVisit}
	case containsAny(text, visitOfferPhrases):
		return Signal{Trigger: TriggerOfferVisit}
	}
	for _, q := range qualifyingPhrases {
		if strings.Contains(text, q.phrase) {
			return Signal{Trigger: TriggerAskQualifying, Step: q.step}
		}
	}
	if len(codes) > 0 {
		return Signal{Trigger: TriggerPresentProperties}
	}
	return Signal{}
}
