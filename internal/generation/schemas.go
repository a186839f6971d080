package generation

import (
	"sync"

	"github.com/invopop/jsonschema"
)

// NamedFact is one keyed fact, such as a character and its description.
type NamedFact struct {
	Name        string `json:"name" jsonschema_description:"Name of the character, rule or location"`
	Description string `json:"description" jsonschema_description:"Current facts about it"`
}

// ResearchNotes is the researcher's structured output.
type ResearchNotes struct {
	Background        string      `json:"background" jsonschema_description:"Cultural and historical background relevant to the concept"`
	Themes            []string    `json:"themes" jsonschema_description:"Themes the story should explore"`
	Characters        []NamedFact `json:"characters" jsonschema_description:"Suggested characters"`
	TargetLength      int         `json:"target_length" jsonschema:"minimum=0" jsonschema_description:"Suggested total story length in characters, 0 for no suggestion"`
	SuggestedChapters int         `json:"suggested_chapters" jsonschema:"minimum=0" jsonschema_description:"Suggested number of chapters, 0 for no suggestion"`
}

// ContinuityFacts is the continuity role's structured output.
type ContinuityFacts struct {
	Characters        []NamedFact `json:"characters" jsonschema_description:"New or changed characters"`
	Timeline          []string    `json:"timeline" jsonschema_description:"Events that happened in this text, in order"`
	WorldRules        []NamedFact `json:"world_rules" jsonschema_description:"New or changed world rules"`
	PlotPoints        []string    `json:"plot_points" jsonschema_description:"Plot points introduced or resolved"`
	SettingsLocations []NamedFact `json:"settings_locations" jsonschema_description:"New or changed locations"`
}

// ReviewVerdict is the editor's structured output for a review round.
type ReviewVerdict struct {
	Approved    bool     `json:"approved" jsonschema_description:"True when the story needs no further revision"`
	Score       int      `json:"score" jsonschema:"minimum=0,maximum=100" jsonschema_description:"Overall quality score from 0 to 100"`
	Issues      []string `json:"issues" jsonschema_description:"Remaining problems"`
	RevisedText string   `json:"revised_text" jsonschema_description:"The full revised story text"`
}

var (
	schemaOnce sync.Once
	schemas    map[SchemaKind]any
)

// SchemaFor returns the JSON schema for a structured output kind, or nil for
// SchemaNone.
func SchemaFor(kind SchemaKind) any {
	schemaOnce.Do(func() {
		reflector := jsonschema.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
		}
		schemas = map[SchemaKind]any{
			SchemaResearch:   reflector.Reflect(ResearchNotes{}),
			SchemaContinuity: reflector.Reflect(ContinuityFacts{}),
			SchemaReview:     reflector.Reflect(ReviewVerdict{}),
		}
	})
	return schemas[kind]
}

func schemaDescription(kind SchemaKind) string {
	switch kind {
	case SchemaResearch:
		return "Research notes for a story concept"
	case SchemaContinuity:
		return "Continuity facts extracted from story text"
	case SchemaReview:
		return "Review verdict with revised story text"
	}
	return ""
}
