package prompt

import (
	"fmt"
	"strings"
)

var formattingBlock = []string{
	"\nFORMATTING:",
	"- Use standard Markdown for all formatting (headings, lists, bold, italics, etc.).",
	"- **ONLY** use Markdown code blocks (```language ... ```) for actual code snippets (e.g., SQL, Python, API payloads). Do **NOT** wrap the entire response or regular text in code blocks.",
	"- Use bullet points (-) or numbered lists (1.) for lists.",
	"- Use Markdown tables (| Header | ... |) for structured data or statistics.",
	"- Use bold (**text**) and italics (*text*) for emphasis.",
}

// Composer turns a query, a role and prior turns into the final model instruction.
type Composer struct {
	catalog *Catalog
}

// NewComposer returns a composer reading templates from catalog.
func NewComposer(catalog *Catalog) *Composer {
	return &Composer{catalog: catalog}
}

// Compose builds the prompt. history may be nil.
func (c *Composer) Compose(query string, role Role, history History) (string, error) {
	tpl, err := c.catalog.TemplateFor(role)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, 16)
	parts = append(parts,
		tpl.SystemPrompt,
		FormatHistory(history),
		fmt.Sprintf("CURRENT QUERY:\nUser: %s\n", query),
		"RESPONSE STRUCTURE:",
		"Please structure your response using the following sections: "+strings.Join(tpl.Sections, ", "),
	)
	parts = append(parts, formattingBlock...)
	parts = append(parts,
		"\nREMEMBER:",
		fmt.Sprintf("1. Use appropriate terminology for a %s user.", role),
		"2. Provide practical examples where relevant.",
		"3. Include any necessary warnings or considerations.",
		"4. If the user's CURRENT QUERY is very short, conversational (like 'ok', 'thanks', 'that is good'), or unclear, "+
			"provide a brief acknowledgement or ask a clarifying question instead of generating a full, structured response.",
	)
	return strings.Join(parts, "\n"), nil
}
