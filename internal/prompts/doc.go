// Package prompts contains the LLM prompt templates Mandarin sends for
// its own operations: the base system prompt, command task and
// evaluation prompts, chat titles, and memory extraction.
//
// Every template has a built-in default compiled into the binary. A
// markdown file at <data_dir>/prompts/<name>.md replaces the default
// when present, so wording can be tuned without a rebuild. Templates
// use named placeholders ({task}, {{DATE}}, ...) rather than format
// verbs because override files are edited by hand.
//
// Convention: each prompt category gets its own file with the default
// template as a const and an exported function that accepts the dynamic
// parts and returns the fully interpolated prompt string.
package prompts
