package agentcli

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var snowflakeAuthorRe = regexp.MustCompile(`^\d{17,20}$`)

const noInputPlaceholder = "(no message text)"

// promptVars holds the substitution values for the prompt template's
// four tokens: datetime, source, assistant context, and user input.
type promptVars struct {
	datetime          string
	source            Source
	assistantContext  string
	userInput         string
}

// buildPrompt loads the template file at templatePath and substitutes
// its four tokens.
func buildPrompt(templatePath string, userMessage string, opts Options, now time.Time) (string, error) {
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("read prompt template %s: %w", templatePath, err)
	}

	vars := promptVars{
		datetime:         now.Local().Format("2006-01-02 15:04"),
		source:           opts.Source,
		assistantContext: buildAssistantContext(opts),
		userInput:        userInputOrPlaceholder(userMessage),
	}

	out := string(raw)
	out = strings.ReplaceAll(out, "{{datetime}}", vars.datetime)
	out = strings.ReplaceAll(out, "{{source}}", string(vars.source))
	out = strings.ReplaceAll(out, "{{assistant_context}}", vars.assistantContext)
	out = strings.ReplaceAll(out, "{{user_input}}", vars.userInput)
	return out, nil
}

func userInputOrPlaceholder(msg string) string {
	trimmed := strings.TrimSpace(msg)
	if trimmed == "" {
		return noInputPlaceholder
	}
	return trimmed
}

// buildAssistantContext concatenates the progress-hint block (gated on
// source=dm and a snowflake-shaped author id) with the attachment
// descriptor block. Either half may be empty.
func buildAssistantContext(opts Options) string {
	var parts []string

	if opts.Source == SourceDM && snowflakeAuthorRe.MatchString(opts.AuthorID) {
		parts = append(parts, fmt.Sprintf("The user you are replying to has id %s.", opts.AuthorID))
	}

	if len(opts.Attachments) > 0 {
		var names []string
		for _, a := range opts.Attachments {
			names = append(names, fmt.Sprintf("%s (%s)", a.Name, a.Path))
		}
		parts = append(parts, "Attachments provided: "+strings.Join(names, ", "))
	}

	return strings.Join(parts, "\n")
}
