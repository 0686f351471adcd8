// Package prompts holds the text sent to models and the fixed answers
// returned to users.
//
// Prompt text is Go code rather than config because it is program
// logic: the agent loop and dispatcher depend on its exact wording, and
// tests pin it. Each concern gets its own file with exported functions
// or constants.
package prompts
