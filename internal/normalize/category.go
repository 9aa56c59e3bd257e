package normalize

import (
	"strings"
	"unicode"
)

const DefaultCategory = "Outras Despesas"

type categoryRule struct {
	category string
	keywords []string
}

// Rules are evaluated in order and the first matching keyword wins.
var categoryRules = []categoryRule{
	{
		category: "Combustível",
		keywords: []string{"combustível", "combustivel", "gasolina", "gasóleo", "gasoleo", "diesel", "galp", "repsol", "bp", "cepsa", "prio", "abastecimento", "fuel"},
	},
	{
		category: "Deslocações e Estadas",
		keywords: []string{"hotel", "alojamento", "hostel", "pousada", "estadia", "booking", "airbnb", "portagem", "portagens", "via verde", "comboio", "cp", "uber", "bolt", "táxi", "taxi", "tap", "ryanair", "voo", "estacionamento", "parking"},
	},
	{
		category: "Refeições",
		keywords: []string{"restaurante", "restaurant", "refeição", "refeicao", "almoço", "almoco", "jantar", "café", "cafe", "pastelaria", "padaria", "snack", "bar", "mcdonalds"},
	},
	{
		category: "Material e Equipamento",
		keywords: []string{"material", "equipamento", "ferramenta", "ferramentas", "computador", "portátil", "portatil", "impressora", "toner", "papelaria", "leroy merlin", "worten", "fnac", "staples"},
	},
	{
		category: "Serviços Especializados",
		keywords: []string{"consultoria", "serviços", "servicos", "honorários", "honorarios", "contabilidade", "advogado", "auditoria", "formação", "formacao", "software", "licença", "licenca", "subscrição", "subscricao"},
	},
}

// InferCategory classifies an expense from its vendor and description using
// whole-word keyword matches.
func InferCategory(vendor, description string) string {
	words := tokenize(vendor + " " + description)
	if len(words) == 0 {
		return DefaultCategory
	}
	for _, rule := range categoryRules {
		for _, keyword := range rule.keywords {
			if containsPhrase(words, tokenize(keyword)) {
				return rule.category
			}
		}
	}
	return DefaultCategory
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j, token := range phrase {
			if words[i+j] != token {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
