package llm

import "strings"

type Vendor string

const (
	VendorOpenAI Vendor = "openai"
	VendorGemini Vendor = "gemini"
)

// Model is one entry of the catalog offered in the chat UI.
type Model struct {
	Name        string
	ID          string
	Description string
}

func (m Model) Vendor() Vendor {
	if strings.HasPrefix(m.ID, "gemini-") {
		return VendorGemini
	}
	return VendorOpenAI
}

const DefaultModelID = "gpt-4"

var catalog = []Model{
	{Name: "GPT-4-Preview", ID: "gpt-4-1106-preview", Description: "This is the preview version of the GPT-4 model."},
	{Name: "GPT-4", ID: "gpt-4", Description: "Latest generation GPT-4 model."},
	{Name: "GPT-3.5-16K", ID: "gpt-3.5-turbo-16k", Description: "An enhanced GPT-3.5 model with 16K token limit."},
	{Name: "GPT-3.5", ID: "gpt-3.5-turbo", Description: "Standard GPT-3.5 model with turbo features."},
	{Name: "Gemini-1.5-Flash", ID: "gemini-1.5-flash-latest", Description: "Fast Gemini model, needs a Gemini API key."},
}

// Registry resolves model ids to the provider serving them.
type Registry struct {
	providers map[Vendor]Provider
}

func NewRegistry(openai, gemini Provider) *Registry {
	return &Registry{providers: map[Vendor]Provider{
		VendorOpenAI: openai,
		VendorGemini: gemini,
	}}
}

func (r *Registry) Models() []Model {
	return append([]Model(nil), catalog...)
}

func (r *Registry) Lookup(id string) (Model, bool) {
	for _, m := range catalog {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// ModelOrDefault returns the catalog entry for id, falling back to the
// default model for unknown ids.
func (r *Registry) ModelOrDefault(id string) Model {
	if m, ok := r.Lookup(id); ok {
		return m
	}
	m, _ := r.Lookup(DefaultModelID)
	return m
}

func (r *Registry) Provider(v Vendor) Provider {
	return r.providers[v]
}
