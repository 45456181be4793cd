package notify

import "strings"

// Default templates per trigger kind, as "title|body". Variables are written
// {name} and substituted from the dispatcher's variable set; unresolved
// variables render as empty strings.
var defaultTemplates = map[Kind]string{
	KindReady:      "{agent} is done|{excerpt}",
	KindError:      "{agent} hit an error|{excerpt}",
	KindQuestion:   "{agent} has a question|{excerpt}",
	KindPermission: "{agent} needs permission|{excerpt}",
}

// Render substitutes {var} placeholders. Unknown variables become "".
// A literal brace with no matching close is passed through.
func Render(tmpl string, vars map[string]string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			break
		}
		close := strings.IndexByte(tmpl[open:], '}')
		if close < 0 {
			b.WriteString(tmpl)
			break
		}
		b.WriteString(tmpl[:open])
		name := tmpl[open+1 : open+close]
		b.WriteString(vars[name])
		tmpl = tmpl[open+close+1:]
	}
	return strings.TrimSpace(b.String())
}

// renderKind produces the title and body for a trigger kind. An override of
// the form "title|body" (from settings) replaces the default template.
func renderKind(kind Kind, override string, vars map[string]string) (title, body string) {
	tmpl := defaultTemplates[kind]
	if override != "" {
		tmpl = override
	}
	title, body, found := strings.Cut(tmpl, "|")
	if !found {
		body = ""
	}
	return Render(title, vars), Render(body, vars)
}
