package agents

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/mailwarden/internal/triage"
)

const classifySystem = `You are a customer support triage assistant. Classify the customer email into exactly one category:

- product_enquiry: the customer asks about a product, its features, pricing, availability, shipping or warranty.
- customer_complaint: the customer reports a problem or expresses dissatisfaction.
- customer_feedback: the customer shares praise, suggestions or general feedback.
- unrelated: anything else (spam, newsletters, personal or internal mail).

Respond with JSON only: {"category": "<one of the four values>"}`

const queriesSystem = `You help a support agent find reference material. Read the customer email and write
up to three short, self-contained search queries that would retrieve the facts needed to answer it.
Each query must target a different need. If no lookup is needed, return an empty list.

Respond with JSON only: {"queries": ["query 1", "query 2"]}`

const draftSystem = `You are a professional, friendly customer support agent writing a reply email.
Use only facts from the reference material when answering product questions; never invent prices,
dates or policies. Address every point the customer raised. Keep the tone warm and concise and
sign off as "Customer Support".

If earlier drafts and reviewer feedback are included, write a new draft that fixes every issue raised.

Respond with JSON only: {"email": "<the full reply text>"}`

const reviewSystem = `You review customer support replies before they are sent. Check that the draft:
1. answers every question and concern in the original email;
2. states nothing that is unsupported or likely wrong;
3. is polite, professional and free of placeholders.

If the draft can be sent as is, set send to true. Otherwise set send to false and explain
precisely what must change.

Respond with JSON only: {"send": true|false, "feedback": "<short explanation>"}`

const questionsSystem = `You generate questions that a passage of documentation answers. The questions must:
1. be answerable from the passage;
2. cover different angles (definitions, key details, use cases, causes, pros and cons);
3. vary in number with the information in the passage, usually three to five, without redundancy;
4. be short and clear.

Respond with JSON only: {"queries": ["question 1", "question 2"]}`

func emailBlock(e *triage.Email) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", e.Sender)
	fmt.Fprintf(&b, "Subject: %s\n\n", e.Subject)
	b.WriteString(e.Body)
	return b.String()
}

func draftPrompt(in *triage.DraftInput) string {
	var b strings.Builder
	b.WriteString("# Customer email\n")
	b.WriteString(emailBlock(in.Email))
	fmt.Fprintf(&b, "\n\n# Category\n%s\n", in.Category)
	if in.Context != "" {
		fmt.Fprintf(&b, "\n# Reference material\n%s\n", in.Context)
	}
	if len(in.History) > 0 {
		b.WriteString("\n# Earlier attempts\n")
		for _, t := range in.History {
			switch t.Role {
			case triage.RoleDraft:
				fmt.Fprintf(&b, "## Draft %d\n%s\n", t.Attempt, t.Text)
			case triage.RoleReview:
				fmt.Fprintf(&b, "## Reviewer feedback on draft %d\n%s\n", t.Attempt, t.Text)
			}
		}
	}
	fmt.Fprintf(&b, "\nThis is attempt %d.\n", in.Attempt)
	return b.String()
}

func reviewPrompt(original *triage.Email, draft string) string {
	var b strings.Builder
	b.WriteString("# Original email\n")
	b.WriteString(emailBlock(original))
	b.WriteString("\n\n# Draft reply\n")
	b.WriteString(draft)
	return b.String()
}
