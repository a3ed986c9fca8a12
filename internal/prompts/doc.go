// Package prompts contains the LLM prompt templates used by the planner.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, are compiled in, and can be
// validated by tests.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully interpolated
// prompt string.
package prompts
