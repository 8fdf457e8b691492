// Package cards holds the closed vocabularies of the Cigano deck and the
// validation of interpretation requests against them.
package cards

import (
	"fmt"
	"strings"
)

// InterpretationRequest is the body of POST /api/interpretacao.
type InterpretationRequest struct {
	Carta1 string `json:"carta1"`
	Carta2 string `json:"carta2"`
	Tempo  string `json:"tempo"`
	Tema   string `json:"tema"`
}

// The 36 cards of the Cigano (Lenormand) deck, in deck order.
var deck = []string{
	"O Cavaleiro",
	"O Trevo",
	"O Navio",
	"A Casa",
	"A Árvore",
	"As Nuvens",
	"A Serpente",
	"O Caixão",
	"O Buquê",
	"A Foice",
	"O Chicote",
	"Os Pássaros",
	"A Criança",
	"A Raposa",
	"O Urso",
	"As Estrelas",
	"A Cegonha",
	"O Cachorro",
	"A Torre",
	"O Jardim",
	"A Montanha",
	"Os Caminhos",
	"O Rato",
	"O Coração",
	"O Anel",
	"Os Livros",
	"A Carta",
	"O Cigano",
	"A Cigana",
	"Os Lírios",
	"O Sol",
	"A Lua",
	"A Chave",
	"Os Peixes",
	"A Âncora",
	"A Cruz",
}

var timeframes = []string{"Passado", "Presente", "Futuro"}

var themes = []string{"Espiritual", "Mental", "Amor", "Saúde", "Profissional", "Financeiro"}

var (
	deckSet      = toSet(deck)
	timeframeSet = toSet(timeframes)
	themeSet     = toSet(themes)
)

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// Deck returns the card names in deck order.
func Deck() []string { return append([]string(nil), deck...) }

// Timeframes returns the accepted tempo values.
func Timeframes() []string { return append([]string(nil), timeframes...) }

// Themes returns the accepted tema values.
func Themes() []string { return append([]string(nil), themes...) }

// IsCard reports whether name is exactly one of the 36 card names.
func IsCard(name string) bool {
	_, ok := deckSet[name]
	return ok
}

// Validate checks the request against the closed vocabularies and returns
// one message per failing field, in field order. Values are compared as
// given: no trimming and no case folding.
func Validate(req InterpretationRequest) []string {
	var failures []string

	failures = appendCardFailure(failures, "carta1", req.Carta1)
	failures = appendCardFailure(failures, "carta2", req.Carta2)

	if _, ok := timeframeSet[req.Tempo]; !ok {
		failures = append(failures, fmt.Sprintf("tempo inválido: use %s", joinChoices(timeframes)))
	}
	if _, ok := themeSet[req.Tema]; !ok {
		failures = append(failures, fmt.Sprintf("tema inválido: use %s", joinChoices(themes)))
	}

	return failures
}

func appendCardFailure(failures []string, field, value string) []string {
	switch {
	case value == "":
		return append(failures, fmt.Sprintf("%s é obrigatória", field))
	case !IsCard(value):
		return append(failures, fmt.Sprintf("%s inválida: %q não pertence ao baralho cigano", field, value))
	default:
		return failures
	}
}

func joinChoices(values []string) string {
	if len(values) < 2 {
		return strings.Join(values, "")
	}
	return strings.Join(values[:len(values)-1], ", ") + " ou " + values[len(values)-1]
}
