// Package prompt assembles outbound generation requests from the persona,
// mood, user instructions, memory and recent turns. It performs no I/O.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bdobrica/kokoro/internal/kokoro/schema"
)

// RecentTurns is how many recent messages are quoted in a prompt.
const RecentTurns = 5

// Input is everything a prompt is built from.
type Input struct {
	Persona schema.Persona
	Mood    schema.Mood
	// Custom is ignored when Incognito is set.
	Custom *schema.CustomInstructions
	// Memory is ignored when Incognito is set.
	Memory schema.PersistentMemory
	// History holds the turns before the current one, oldest first.
	History []schema.Message
	// UserText is the raw current user turn, possibly with a [thought].
	UserText  string
	Incognito bool
	// Proactive asks for a companion-initiated opener instead of a reply.
	Proactive bool
}

// Request is a generation request: the prompt text plus the structured
// metadata the backend may use.
type Request struct {
	Prompt             string                     `json:"prompt"`
	Mood               schema.Mood                `json:"mood"`
	CustomInstructions *schema.CustomInstructions `json:"custom_instructions"`
	Incognito          bool                       `json:"incognito"`
	Persona            schema.Persona             `json:"persona"`
	Memory             *schema.PersistentMemory   `json:"memory"`
}

// Build renders in into a Request. Incognito requests carry neither custom
// instructions nor memory.
func Build(in Input) Request {
	var b strings.Builder
	p := in.Persona

	fmt.Fprintf(&b, "You are %s. %s\n", p.Name, strings.TrimSpace(p.Background))
	if len(p.Traits) > 0 {
		fmt.Fprintf(&b, "Personality traits: %s.\n", strings.Join(p.Traits, ", "))
	}
	if in.Mood.Name != "" {
		fmt.Fprintf(&b, "Current mood: %s.", in.Mood.Name)
		if in.Mood.ResponseStyle != "" {
			fmt.Fprintf(&b, " Respond in a %s way.", in.Mood.ResponseStyle)
		}
		if in.Mood.Description != "" {
			fmt.Fprintf(&b, " %s", in.Mood.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	req := Request{Mood: in.Mood, Incognito: in.Incognito, Persona: p}

	if in.Incognito {
		b.WriteString("This is a fresh conversation. Do not reference or imply any previous sessions, memories or details about the user.\n\n")
	} else {
		if in.Custom != nil {
			custom := *in.Custom
			req.CustomInstructions = &custom
			writeCustom(&b, custom)
		}
		mem := in.Memory.Clone()
		req.Memory = &mem
		writeMemory(&b, mem)
	}

	speech, thought := ExtractThought(in.UserText)
	// Turns that were only a thought have no text to show.
	recent := make([]schema.Message, 0, len(in.History)+1)
	for _, m := range in.History {
		if m.Text != "" {
			recent = append(recent, m)
		}
	}
	if speech != "" && !in.Proactive {
		recent = append(recent, schema.Message{Sender: schema.SenderUser, Text: speech})
	}
	if n := len(recent); n > RecentTurns {
		recent = recent[n-RecentTurns:]
	}
	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "%s: %s\n", speaker(m, p), m.Text)
		}
		b.WriteString("\n")
	}

	if thought != "" && !in.Proactive {
		fmt.Fprintf(&b, "The user is privately thinking: %q. Let it shape your reply, but never quote or mention it directly.\n\n", thought)
	}

	if in.Proactive {
		fmt.Fprintf(&b, "The user has been quiet for a while. As %s, start the conversation again with one short, natural message.", p.Name)
	} else {
		fmt.Fprintf(&b, "Reply as %s. To send several short messages, separate them with %s.", p.Name, Delimiter)
	}

	req.Prompt = b.String()
	return req
}

func writeCustom(b *strings.Builder, c schema.CustomInstructions) {
	wrote := false
	if c.Nickname != "" {
		fmt.Fprintf(b, "The user likes to be called %s.\n", c.Nickname)
		wrote = true
	}
	if c.AboutUser != "" {
		fmt.Fprintf(b, "About the user: %s\n", strings.TrimSpace(c.AboutUser))
		wrote = true
	}
	if len(c.AvoidTopics) > 0 {
		fmt.Fprintf(b, "Avoid these topics: %s. If the user raises one, redirect the conversation politely.\n", strings.Join(c.AvoidTopics, ", "))
		wrote = true
	}
	if len(c.MemoryNotes) > 0 {
		fmt.Fprintf(b, "Always remember: %s.\n", strings.Join(c.MemoryNotes, "; "))
		wrote = true
	}
	if wrote {
		b.WriteString("\n")
	}
}

func writeMemory(b *strings.Builder, m schema.PersistentMemory) {
	var lines []string
	if m.Summary != "" {
		lines = append(lines, "Story so far: "+m.Summary)
	}
	if len(m.Facts) > 0 {
		lines = append(lines, "Facts about the user: "+strings.Join(m.Facts, "; "))
	}
	if m.RelationshipStatus != "" {
		lines = append(lines, "Your relationship: "+m.RelationshipStatus)
	}
	if m.ConversationTone != "" {
		lines = append(lines, "Conversation tone so far: "+m.ConversationTone)
	}
	if n := len(m.KeyEvents); n > 0 {
		ev := m.KeyEvents[n-1]
		lines = append(lines, "Most recent notable moment: "+ev.Description)
	}
	if len(lines) == 0 {
		return
	}
	b.WriteString("What you remember:\n")
	for _, l := range lines {
		fmt.Fprintf(b, "- %s\n", l)
	}
	b.WriteString("\n")
}

func speaker(m schema.Message, p schema.Persona) string {
	if m.Sender == schema.SenderCompanion {
		return p.Name
	}
	return "User"
}

var thoughtRE = regexp.MustCompile(`\[([^\[\]]*)\]`)

// ExtractThought splits text into what is said and the bracketed inner
// thought. Several bracketed parts are joined with a space.
func ExtractThought(text string) (speech, thought string) {
	var thoughts []string
	for _, m := range thoughtRE.FindAllStringSubmatch(text, -1) {
		if t := strings.TrimSpace(m[1]); t != "" {
			thoughts = append(thoughts, t)
		}
	}
	speech = strings.Join(strings.Fields(thoughtRE.ReplaceAllString(text, " ")), " ")
	return speech, strings.Join(thoughts, " ")
}
