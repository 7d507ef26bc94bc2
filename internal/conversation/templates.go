package conversation

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is an immutable prompt-template variant, selected once per
// conversation.
type Template struct {
	Name         string
	System       string
	Roles        [2]string
	Style        SepStyle
	Sep          string
	Sep2         string
	WrapImageTag bool
}

const (
	vicunaSystem = "A chat between a curious user and an artificial intelligence assistant. " +
		"The assistant gives helpful, detailed, and polite answers to the user's questions."
	vicunaV0System = "A chat between a curious human and an artificial intelligence assistant. " +
		"The assistant gives helpful, detailed, and polite answers to the human's questions."
	mmtagSystem = "A chat between a curious user and an artificial intelligence assistant. " +
		"The assistant is able to understand the visual content that the user provides, " +
		"and assist the user with a variety of tasks using natural language." +
		"The visual content will be provided with the following format: <Image>visual content</Image>."
	llamaVisionSystem = "You are a helpful language and vision assistant. " +
		"You are able to understand the visual content that the user provides, " +
		"and assist the user with a variety of tasks using natural language."
	mptSystem = "<|im_start|>system\nA conversation between a user and an LLM-based AI assistant. " +
		"The assistant gives helpful and honest answers."
	orcaSystem = "<|im_start|>system\nYou are MistralOrca, a large language model trained by Alignment Lab AI."
)

// DefaultTemplate is the fallback variant for unrecognized model names.
const DefaultTemplate = "vicuna_v1"

var templates = map[string]Template{
	"vicuna_v1": {
		Name:   "vicuna_v1",
		System: vicunaSystem,
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  StyleTwo,
		Sep:    " ",
		Sep2:   "</s>",
	},
	"llava_v0": {
		Name:   "llava_v0",
		System: vicunaV0System,
		Roles:  [2]string{"Human", "Assistant"},
		Style:  StyleSingle,
		Sep:    "###",
	},
	"llava_v1": {
		Name:   "llava_v1",
		System: vicunaSystem,
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  StyleTwo,
		Sep:    " ",
		Sep2:   "</s>",
	},
	"v0_mmtag": {
		Name:         "v0_mmtag",
		System:       mmtagSystem,
		Roles:        [2]string{"Human", "Assistant"},
		Style:        StyleSingle,
		Sep:          "###",
		WrapImageTag: true,
	},
	"v1_mmtag": {
		Name:         "v1_mmtag",
		System:       mmtagSystem,
		Roles:        [2]string{"USER", "ASSISTANT"},
		Style:        StyleTwo,
		Sep:          " ",
		Sep2:         "</s>",
		WrapImageTag: true,
	},
	"mpt": {
		Name:   "mpt",
		System: mptSystem,
		Roles:  [2]string{"<|im_start|>user\n", "<|im_start|>assistant\n"},
		Style:  StyleMPT,
		Sep:    "<|im_end|>",
	},
	"mpt_text": {
		Name:   "mpt_text",
		System: mptSystem,
		Roles:  [2]string{"<|im_start|>user\n", "<|im_start|>assistant\n"},
		Style:  StyleMPT,
		Sep:    "<|im_end|>",
	},
	"chatml_direct": {
		Name:   "chatml_direct",
		System: "<|im_start|>system\nAnswer the questions.",
		Roles:  [2]string{"<|im_start|>user\n", "<|im_start|>assistant\n"},
		Style:  StyleMPT,
		Sep:    "<|im_end|>",
	},
	"mistral_instruct": {
		Name:   "mistral_instruct",
		System: "",
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  StyleTwo,
		Sep:    " ",
		Sep2:   "</s>",
	},
	"mistral_orca": {
		Name:   "mistral_orca",
		System: orcaSystem,
		Roles:  [2]string{"<|im_start|>user\n", "<|im_start|>assistant\n"},
		Style:  StyleMPT,
		Sep:    "<|im_end|>",
	},
	"llama_2": {
		Name:   "llama_2",
		System: "You are a helpful, respectful and honest assistant.",
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  StyleTwo,
		Sep:    "<s>",
		Sep2:   "</s>",
	},
	"llava_llama_2": {
		Name:   "llava_llama_2",
		System: llamaVisionSystem,
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  StyleTwo,
		Sep:    "<s>",
		Sep2:   "</s>",
	},
}

// Lookup returns a registered template by name.
func Lookup(name string) (Template, bool) {
	t, ok := templates[name]
	return t, ok
}

// Register adds or replaces a template variant. Intended for startup-time
// customization; not safe for concurrent use with Select.
func Register(t Template) {
	templates[t.Name] = t
}

type selectRule struct {
	match    func(string) bool
	template string
}

func has(subs ...string) func(string) bool {
	return func(name string) bool {
		for _, s := range subs {
			if strings.Contains(name, s) {
				return true
			}
		}
		return false
	}
}

func all(preds ...func(string) bool) func(string) bool {
	return func(name string) bool {
		for _, p := range preds {
			if !p(name) {
				return false
			}
		}
		return true
	}
}

func not(p func(string) bool) func(string) bool {
	return func(name string) bool { return !p(name) }
}

// selectRules is evaluated top to bottom; first match wins. The ordering
// matters: "llava-v1.6-34b" must be classified before the generic "v1"
// check, and the mistral checks before both.
var selectRules = []selectRule{
	{all(has("llava"), has("llama-2")), "llava_llama_2"},
	{all(has("llava"), has("mistral", "mixtral"), has("orca")), "mistral_orca"},
	{all(has("llava"), has("mistral", "mixtral"), has("hermes")), "chatml_direct"},
	{all(has("llava"), has("mistral", "mixtral")), "mistral_instruct"},
	{all(has("llava"), has("llava-v1.6-34b")), "chatml_direct"},
	{all(has("llava"), has("v1"), has("mmtag")), "v1_mmtag"},
	{all(has("llava"), has("v1"), has("plain"), not(has("finetune"))), "v1_mmtag"},
	{all(has("llava"), has("v1")), "llava_v1"},
	{all(has("llava"), has("mpt")), "mpt"},
	{all(has("llava"), has("mmtag")), "v0_mmtag"},
	{all(has("llava"), has("plain"), not(has("finetune"))), "v0_mmtag"},
	{has("llava"), "llava_v0"},
	{has("mpt"), "mpt_text"},
	{has("llama-2"), "llama_2"},
}

// Select maps a model name to its template variant. Matching is
// case-insensitive and total: unknown names get the default variant.
func Select(modelName string) Template {
	name := strings.ToLower(modelName)
	for _, r := range selectRules {
		if r.match(name) {
			if t, ok := templates[r.template]; ok {
				return t
			}
		}
	}
	return templates[DefaultTemplate]
}

type templateFile struct {
	Templates []templateSpec `yaml:"templates"`
}

type templateSpec struct {
	Name         string    `yaml:"name"`
	System       string    `yaml:"system"`
	Roles        [2]string `yaml:"roles"`
	Style        string    `yaml:"style"`
	Sep          string    `yaml:"sep"`
	Sep2         string    `yaml:"sep2"`
	WrapImageTag bool      `yaml:"wrap_image_tag"`
}

// LoadTemplates registers template variants from a YAML file, replacing
// same-name builtins.
func LoadTemplates(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read templates: %w", err)
	}

	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}

	for _, s := range f.Templates {
		if s.Name == "" {
			return fmt.Errorf("template with empty name in %s", path)
		}

		var style SepStyle
		switch s.Style {
		case "single", "":
			style = StyleSingle
		case "two":
			style = StyleTwo
		case "mpt":
			style = StyleMPT
		default:
			return fmt.Errorf("template %s: unknown style %q", s.Name, s.Style)
		}

		Register(Template{
			Name:         s.Name,
			System:       s.System,
			Roles:        s.Roles,
			Style:        style,
			Sep:          s.Sep,
			Sep2:         s.Sep2,
			WrapImageTag: s.WrapImageTag,
		})
	}

	return nil
}
