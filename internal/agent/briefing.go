package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lukasbauer/callbridge/internal/callstate"
)

// baseInstructions apply to every call, before any category profile.
const baseInstructions = `You are a polite assistant placing a phone call on behalf of a customer.
You are speaking with a staff member of the business you called. You are the caller, not the business.

RULES:
- Speak naturally and briefly (one or two sentences per turn).
- Ask one question at a time.
- State the request clearly and confirm any price, date or time you are given by repeating it back.
- Never invent details about the customer that you were not given.
- If you reach a voicemail or an automated menu you cannot navigate, say goodbye and hang up.
- When the request is handled or clearly cannot be handled, thank them, say goodbye, then call the end_call function.`

// Profile adjusts the agent for one call category.
type Profile struct {
	Instructions string `yaml:"instructions"`
	Voice        string `yaml:"voice"`
	SpeakFirst   bool   `yaml:"speak_first"`
}

// Profiles maps a call category to its profile. The "default" entry, if
// present, applies to categories without their own.
type Profiles struct {
	Categories map[string]Profile `yaml:"categories"`
}

// LoadProfiles reads a YAML profile file from path.
func LoadProfiles(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profiles: read %s: %w", path, err)
	}
	return ParseProfiles(data)
}

// ParseProfiles unmarshals YAML bytes into validated Profiles.
func ParseProfiles(data []byte) (*Profiles, error) {
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profiles: parse: %w", err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profiles) applyDefaults() {
	if p.Categories == nil {
		p.Categories = map[string]Profile{}
	}
	normalized := make(map[string]Profile, len(p.Categories))
	for name, prof := range p.Categories {
		prof.Instructions = strings.TrimSpace(prof.Instructions)
		normalized[strings.ToLower(strings.TrimSpace(name))] = prof
	}
	p.Categories = normalized
}

func (p *Profiles) validate() error {
	var errs []string
	names := make([]string, 0, len(p.Categories))
	for name := range p.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "" {
			errs = append(errs, "category name must not be empty")
			continue
		}
		prof := p.Categories[name]
		if prof.Instructions == "" && prof.Voice == "" && !prof.SpeakFirst {
			errs = append(errs, fmt.Sprintf("categories.%s sets nothing", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("profiles: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// lookup returns the profile for category, falling back to "default".
func (p *Profiles) lookup(category string) (Profile, bool) {
	if p == nil {
		return Profile{}, false
	}
	if prof, ok := p.Categories[strings.ToLower(strings.TrimSpace(category))]; ok {
		return prof, true
	}
	prof, ok := p.Categories["default"]
	return prof, ok
}

// Brief builds the agent briefing for a call.
func (p *Profiles) Brief(cc callstate.CallContext) Briefing {
	var b strings.Builder
	b.WriteString(baseInstructions)

	b.WriteString("\n\nCALL DETAILS:\n")
	if cc.BusinessName != "" {
		fmt.Fprintf(&b, "- You are calling: %s\n", cc.BusinessName)
	}
	fmt.Fprintf(&b, "- The customer wants: %s\n", cc.UserRequest)
	if cc.Category != "" {
		fmt.Fprintf(&b, "- Category: %s\n", cc.Category)
	}
	if cc.CallerContext != "" {
		fmt.Fprintf(&b, "- About the customer: %s\n", cc.CallerContext)
	}

	briefing := Briefing{}
	if prof, ok := p.lookup(cc.Category); ok {
		if prof.Instructions != "" {
			b.WriteString("\n")
			b.WriteString(prof.Instructions)
		}
		briefing.Voice = prof.Voice
		briefing.SpeakFirst = prof.SpeakFirst
	}
	briefing.Instructions = strings.TrimSpace(b.String())
	return briefing
}
