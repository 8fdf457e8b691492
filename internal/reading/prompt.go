package reading

import (
	"fmt"
	"strings"

	"github.com/0xReLogic/Cigano/internal/cards"
)

// BuildPrompt renders the instruction sent to the model for one pair of cards.
func BuildPrompt(req cards.InterpretationRequest) string {
	var b strings.Builder

	b.WriteString("Você é um especialista em Baralho Cigano com profundo conhecimento da simbologia de cada carta.\n\n")
	fmt.Fprintf(&b, "Faça a interpretação da combinação das cartas \"%s\" e \"%s\" ", req.Carta1, req.Carta2)
	fmt.Fprintf(&b, "para o tema \"%s\", considerando o tempo \"%s\".\n\n", req.Tema, req.Tempo)

	b.WriteString("Estruture a resposta em três partes:\n")
	fmt.Fprintf(&b, "1. Significado geral da combinação entre %s e %s.\n", req.Carta1, req.Carta2)
	fmt.Fprintf(&b, "2. Aplicação da combinação no tema %s.\n", req.Tema)
	fmt.Fprintf(&b, "3. O que a combinação indica para o %s.\n\n", timeframePhrase(req.Tempo))

	b.WriteString("Responda em português do Brasil, em tom acolhedor e objetivo, com no máximo 400 palavras. ")
	b.WriteString("Não faça previsões sobre saúde, morte ou decisões financeiras específicas; trate a leitura como orientação simbólica.")

	return b.String()
}

func timeframePhrase(tempo string) string {
	switch tempo {
	case "Passado":
		return "passado, explicando as influências que trouxeram a situação até aqui"
	case "Futuro":
		return "futuro, indicando tendências e cuidados"
	default:
		return "presente, descrevendo o momento atual"
	}
}
