package policy

/*
Файл loader.go принимает вывод внешнего компилятора политик: YAML-документ
с набором правил. Ядро потребляет только структурированные правила —
сгенерированный исходный текст движка (если компилятор его приложил)
игнорируется.

Перед регистрацией документ проверяется JSON-схемой: битые правила
отбрасываются на границе, а не в рантайме оценки.
*/

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/aml-control-plane/internal/domain"
)

// ruleSchema фиксирует контракт документа компилятора политик.
const ruleSchema = `{
  "type": "object",
  "required": ["rules"],
  "properties": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "kind", "priority"],
        "properties": {
          "name":     {"type": "string", "minLength": 1},
          "kind":     {"enum": ["budget", "autonomy", "compliance"]},
          "priority": {"type": "integer"},
          "enabled":  {"type": "boolean"},
          "budget": {
            "type": "object",
            "properties": {
              "max_per_action":     {"type": "number", "minimum": 0},
              "max_daily":          {"type": "number", "minimum": 0},
              "approval_threshold": {"type": "number", "minimum": 0}
            }
          },
          "autonomy": {
            "type": "object",
            "properties": {
              "min_tier":      {"type": "integer", "minimum": 0, "maximum": 5},
              "max_tier":      {"type": "integer", "minimum": 0, "maximum": 5},
              "allowed_tools": {"type": "array", "items": {"type": "string"}},
              "denied_tools":  {"type": "array", "items": {"type": "string"}}
            }
          },
          "compliance": {
            "type": "object",
            "properties": {
              "required_tags":          {"type": "array", "items": {"type": "string"}},
              "forbidden_patterns":     {"type": "array", "items": {"type": "string"}},
              "residency_requirements": {"type": "array", "items": {"type": "string"}}
            }
          }
        }
      }
    }
  }
}`

type ruleDocument struct {
	Rules []domain.PolicyRule `yaml:"rules"`
}

// ParseRules разбирает и валидирует YAML-документ с правилами.
func ParseRules(data []byte) ([]domain.PolicyRule, error) {
	// YAML -> generic -> JSON: gojsonschema работает только с JSON
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("rules document is not valid yaml: %w", err)
	}
	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("rules document is not json-convertible: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(ruleSchema),
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("rules document rejected by schema: %s", strings.Join(msgs, "; "))
	}

	var doc ruleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}

	for i := range doc.Rules {
		if !doc.Rules[i].Valid() {
			return nil, fmt.Errorf("%w: rule %q has no %q spec",
				errInvalidRule, doc.Rules[i].Name, doc.Rules[i].Kind)
		}
	}
	return doc.Rules, nil
}

// LoadRulesFile читает файл правил и регистрирует их в движке.
func LoadRulesFile(e *Engine, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("cannot read rules file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return 0, err
	}
	for _, r := range rules {
		if err := e.AddPolicy(r); err != nil {
			return 0, err
		}
	}
	return len(rules), nil
}
