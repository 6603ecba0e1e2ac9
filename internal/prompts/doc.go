// Package prompts holds the text Alice sends to the language model.
//
// Prompt text is Go code rather than config because it is program logic:
// templates are interpolated with fmt and strings.Replacer and can be
// checked by tests. The persona can be overridden by a file named in
// config.yaml; everything else lives here.
package prompts
