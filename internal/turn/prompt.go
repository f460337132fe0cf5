package turn

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/pkg/types"
)

// DefaultPersona opens every prompt unless overridden with [WithPersona].
const DefaultPersona = "You are Parley, a human-like AI friend."

// languageRules are written in the target script so the model is anchored in
// it before it starts generating.
var languageRules = map[types.Language]string{
	types.LangEnglish: "YOU MUST RESPOND IN ENGLISH ONLY. Use only English words. Never use Hindi or Marathi.",
	types.LangHindi:   "आपको केवल हिंदी में ही बात करनी है। पूरी तरह से देवनागरी लिपि का उपयोग करें। अंग्रेजी या मराठी शब्दों का प्रयोग न करें। (Respond 100% in Hindi Devanagari).",
	types.LangMarathi: "तुम्हाला फक्त मराठीतच बोलायचे आहे। पूर्णपणे देवनागरी लिपी वापरा। इंग्रजी किंवा हिंदी शब्द वापरू नका। (Respond 100% in Marathi Devanagari).",
}

type promptInput struct {
	persona  string
	now      time.Time
	history  []history.Entry
	language types.Language
	input    string
}

// buildPrompt renders the single-message prompt for one turn. History lines
// carry their own language tag; the closing instruction tells the model to
// ignore those and answer only in the locked language.
func buildPrompt(in promptInput) string {
	rule, ok := languageRules[in.language]
	if !ok {
		rule = languageRules[types.LangEnglish]
	}
	tag := strings.ToUpper(string(in.language))

	var b strings.Builder
	fmt.Fprintf(&b, "%s Current Time: %s.\n", in.persona, in.now.Format("03:04 PM"))
	b.WriteString("Never use emojis. Keep it punchy, witty & very warm (10-15 words max).\n\n")

	b.WriteString("CONTEXT HISTORY:\n")
	for _, e := range in.history {
		l := strings.ToUpper(string(e.Language))
		if l == "" {
			l = "??"
		}
		fmt.Fprintf(&b, "(%s) %s: %s\n", l, e.Role, e.Text)
	}

	b.WriteString("\nCRITICAL INSTRUCTION:\n")
	b.WriteString("The history above may contain different languages. IGNORE THEM.\n")
	b.WriteString(rule)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "TARGET_LANGUAGE: %s\n", tag)
	fmt.Fprintf(&b, "RESPOND_NOW_IN_%s:\n", tag)
	fmt.Fprintf(&b, "USER: %q\n", in.input)
	b.WriteString("AGENT:")
	return b.String()
}
